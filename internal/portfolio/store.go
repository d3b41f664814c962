package portfolio

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("portfolio not found")
	ErrConflict = errors.New("portfolio id already exists")
)

// Store is the persistence contract consumed by hedgers. Save applies the
// mutator under an exclusive per-portfolio lock, persists the result, and
// emits a portfolio_updated event; hedgers never mutate a Portfolio outside
// this path. Loads return copy-on-write snapshots.
type Store interface {
	Load(ctx context.Context, id string) (*Portfolio, error)
	List(ctx context.Context) ([]*Portfolio, error)
	Create(ctx context.Context, p *Portfolio) error
	Delete(ctx context.Context, id string) error
	Save(ctx context.Context, id string, mutate func(*Portfolio) error) (*Portfolio, error)
}
