// Package sqlitedb is the single-node document store backend, a SQLite file
// accessed through gorm.
package sqlitedb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"autopilot/internal/docstore"
)

// DocumentRow is the documents table.
type DocumentRow struct {
	Path       string    `gorm:"primaryKey;size:1024"`
	Collection string    `gorm:"index;size:128;not null"`
	OwnerID    string    `gorm:"index;size:256"`
	Data       string    `gorm:"type:text;not null"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime:false"`
}

func (DocumentRow) TableName() string { return "documents" }

// Store implements docstore.Store.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var _ docstore.Store = (*Store)(nil)

// Open opens (creating if needed) the SQLite file at path and migrates it.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.AutoMigrate(&DocumentRow{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite %s: %w", path, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Read(ctx context.Context, path string) (docstore.Document, error) {
	var row DocumentRow
	err := s.db.WithContext(ctx).Where("path = ?", path).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return docstore.Document{}, docstore.ErrNotFound
	}
	if err != nil {
		return docstore.Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	return toDocument(row), nil
}

func (s *Store) Write(ctx context.Context, path string, data json.RawMessage) error {
	doc, err := docstore.NewDocument(path, data, s.now().UTC())
	if err != nil {
		return err
	}
	row := DocumentRow{
		Path:       doc.Path,
		Collection: doc.Collection,
		OwnerID:    doc.OwnerID,
		Data:       string(doc.Data),
		UpdatedAt:  doc.UpdatedAt,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (s *Store) QueryCollectionGroup(ctx context.Context, collection string) ([]docstore.Document, error) {
	var rows []DocumentRow
	err := s.db.WithContext(ctx).
		Where("collection = ?", collection).
		Order("path").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query collection %s: %w", collection, err)
	}
	out := make([]docstore.Document, 0, len(rows))
	for _, r := range rows {
		out = append(out, toDocument(r))
	}
	return out, nil
}

func toDocument(r DocumentRow) docstore.Document {
	return docstore.Document{
		Path:       r.Path,
		Collection: r.Collection,
		OwnerID:    r.OwnerID,
		Data:       json.RawMessage(r.Data),
		UpdatedAt:  r.UpdatedAt,
	}
}
