package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"autopilot/internal/docstore"
	"autopilot/internal/types"
)

// DocumentRepository implements docstore.Store over the documents table.
// The collection and owner columns are derived from the path on write so
// collection-group queries are a single indexed scan.
type DocumentRepository struct {
	db  DBTX
	now func() time.Time
}

var _ docstore.Store = (*DocumentRepository)(nil)

func NewDocumentRepository(db DBTX) *DocumentRepository {
	return &DocumentRepository{db: db, now: time.Now}
}

func (r *DocumentRepository) Read(ctx context.Context, path string) (docstore.Document, error) {
	var doc docstore.Document
	var data []byte
	err := r.db.QueryRow(ctx,
		`SELECT path, collection, owner_id, data, updated_at
		 FROM documents
		 WHERE path = $1`,
		path,
	).Scan(&doc.Path, &doc.Collection, &doc.OwnerID, &data, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return docstore.Document{}, docstore.ErrNotFound
	}
	if err != nil {
		return docstore.Document{}, types.NewAppError(types.ErrCodeInternalDB, "failed to read document", err)
	}
	doc.Data = json.RawMessage(data)
	return doc, nil
}

// Write upserts the document at path.
func (r *DocumentRepository) Write(ctx context.Context, path string, data json.RawMessage) error {
	doc, err := docstore.NewDocument(path, data, r.now().UTC())
	if err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidField, "invalid document path", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO documents (path, collection, owner_id, data, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (path) DO UPDATE
		   SET data = EXCLUDED.data,
		       updated_at = EXCLUDED.updated_at`,
		doc.Path,
		doc.Collection,
		doc.OwnerID,
		[]byte(doc.Data),
		doc.UpdatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to write document", err)
	}
	return nil
}

func (r *DocumentRepository) QueryCollectionGroup(ctx context.Context, collection string) ([]docstore.Document, error) {
	rows, err := r.db.Query(ctx,
		`SELECT path, collection, owner_id, data, updated_at
		 FROM documents
		 WHERE collection = $1
		 ORDER BY path`,
		collection,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query documents", err)
	}
	defer rows.Close()

	var out []docstore.Document
	for rows.Next() {
		var doc docstore.Document
		var data []byte
		if err := rows.Scan(&doc.Path, &doc.Collection, &doc.OwnerID, &data, &doc.UpdatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan document", err)
		}
		doc.Data = json.RawMessage(data)
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating documents", err)
	}
	return out, nil
}
