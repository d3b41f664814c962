package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tashik/dneutral-sniper/internal/bus"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const snapshotSchema = 1

type snapshot struct {
	Schema    int        `json:"schema"`
	Portfolio *Portfolio `json:"portfolio"`
}

// FileStore keeps one JSON file per portfolio under dir, written with an
// atomic rename. The in-memory map is authoritative between saves; reads
// hand out clones so callers never observe a half-applied mutation.
type FileStore struct {
	dir string
	bus *bus.Bus
	log *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	cache map[string]*Portfolio
}

func NewFileStore(dir string, b *bus.Bus, log *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{
		dir:   dir,
		bus:   b,
		log:   log,
		locks: make(map[string]*sync.Mutex),
		cache: make(map[string]*Portfolio),
	}, nil
}

func (s *FileStore) Load(ctx context.Context, id string) (*Portfolio, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	p, err := s.loadLocked(id)
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

func (s *FileStore) List(ctx context.Context) ([]*Portfolio, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	out := make([]*Portfolio, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		p, err := s.Load(ctx, id)
		if err != nil {
			if s.log != nil {
				s.log.Warn("skipping unreadable portfolio file", zap.String("file", name), zap.Error(err))
			}
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *FileStore) Create(ctx context.Context, p *Portfolio) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	lock := s.lockFor(p.ID)
	lock.Lock()
	defer lock.Unlock()
	if _, err := s.loadLocked(p.ID); err == nil {
		return fmt.Errorf("%s: %w", p.ID, ErrConflict)
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Positions == nil {
		p.Positions = make(map[string]LegPosition)
	}
	if err := s.writeLocked(p); err != nil {
		return err
	}
	s.publish(bus.Event{Type: bus.PortfolioUpdated, PortfolioID: p.ID, Data: p.Clone()})
	return nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	if _, err := s.loadLocked(id); err != nil {
		return err
	}
	if err := os.Remove(s.path(id)); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
	s.publish(bus.Event{Type: bus.PortfolioDeleted, PortfolioID: id})
	return nil
}

func (s *FileStore) Save(ctx context.Context, id string, mutate func(*Portfolio) error) (*Portfolio, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	current, err := s.loadLocked(id)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = id
	next.UpdatedAt = monotonicAfter(current.UpdatedAt)
	if err := s.writeLocked(next); err != nil {
		return nil, err
	}
	snap := next.Clone()
	s.publish(bus.Event{Type: bus.PortfolioUpdated, PortfolioID: id, Data: snap})
	return snap, nil
}

func (s *FileStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

func (s *FileStore) loadLocked(id string) (*Portfolio, error) {
	s.mu.Lock()
	cached, ok := s.cache[id]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode portfolio %s: %w", id, err)
	}
	if snap.Portfolio == nil {
		return nil, fmt.Errorf("decode portfolio %s: empty snapshot", id)
	}
	if snap.Portfolio.Positions == nil {
		snap.Portfolio.Positions = make(map[string]LegPosition)
	}
	s.mu.Lock()
	s.cache[id] = snap.Portfolio
	s.mu.Unlock()
	return snap.Portfolio, nil
}

func (s *FileStore) writeLocked(p *Portfolio) error {
	data, err := json.MarshalIndent(snapshot{Schema: snapshotSchema, Portfolio: p}, "", "  ")
	if err != nil {
		return err
	}
	path := s.path(p.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	s.mu.Lock()
	s.cache[p.ID] = p
	s.mu.Unlock()
	return nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) publish(ev bus.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

func monotonicAfter(prev time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}
