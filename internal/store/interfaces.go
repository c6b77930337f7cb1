package store

import (
	"context"

	"github.com/rudransh-shrivastava/peerdrop/internal/db"
)

// ObjectIndex records which objects are stored and under what name.
type ObjectIndex interface {
	Upsert(ctx context.Context, obj db.Object) error
	Lookup(ctx context.Context, hash string) (db.Object, error)
	List(ctx context.Context) ([]db.Object, error)
	Delete(ctx context.Context, hash string) error
}

var _ ObjectIndex = (*Index)(nil)
