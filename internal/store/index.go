package store

import (
	"context"
	"errors"

	"github.com/rudransh-shrivastava/peerdrop/internal/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Index struct {
	db *gorm.DB
}

func NewIndex(gdb *gorm.DB) *Index {
	return &Index{db: gdb}
}

// Upsert keeps the first name recorded for a hash.
func (i *Index) Upsert(ctx context.Context, obj db.Object) error {
	return i.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&obj).Error
}

func (i *Index) Lookup(ctx context.Context, hash string) (db.Object, error) {
	var obj db.Object
	err := i.db.WithContext(ctx).Where("hash = ?", hash).First(&obj).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.Object{}, ErrNotFound
	}
	return obj, err
}

func (i *Index) List(ctx context.Context) ([]db.Object, error) {
	var objs []db.Object
	err := i.db.WithContext(ctx).Order("created_at, hash").Find(&objs).Error
	return objs, err
}

func (i *Index) Delete(ctx context.Context, hash string) error {
	return i.db.WithContext(ctx).Where("hash = ?", hash).Delete(&db.Object{}).Error
}
