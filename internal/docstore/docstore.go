// Package docstore defines the generic durable document store the engine
// persists its state in, the path layout of every entity, and typed
// repositories over it. Backends live in internal/db (PostgreSQL),
// internal/sqlitedb (SQLite) and MemoryStore (tests and local runs).
//
// Paths alternate collection and id segments, for example
// users/{owner}/channels/{channel}. A document's collection is the
// second-to-last segment; QueryCollectionGroup matches it across tenants.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned by Read when no document exists at the path.
var ErrNotFound = errors.New("docstore: document not found")

// Document is one stored value with the metadata derived from its path.
type Document struct {
	Path       string
	Collection string
	// OwnerID is the tenant segment of users/{owner}/... paths, empty otherwise.
	OwnerID   string
	Data      json.RawMessage
	UpdatedAt time.Time
}

// ID returns the unescaped last path segment.
func (d Document) ID() string {
	return unesc(d.Path[strings.LastIndexByte(d.Path, '/')+1:])
}

// Store is the durable key/value store with collection-group queries.
type Store interface {
	Read(ctx context.Context, path string) (Document, error)
	Write(ctx context.Context, path string, data json.RawMessage) error
	QueryCollectionGroup(ctx context.Context, collection string) ([]Document, error)
}

// ParsePath validates path and returns its collection and owner.
func ParsePath(path string) (collection, ownerID string, err error) {
	segs := strings.Split(path, "/")
	if len(segs) < 2 || len(segs)%2 != 0 {
		return "", "", fmt.Errorf("docstore: path %q must alternate collection and id segments", path)
	}
	for _, s := range segs {
		if s == "" {
			return "", "", fmt.Errorf("docstore: path %q has an empty segment", path)
		}
	}
	collection = segs[len(segs)-2]
	if segs[0] == "users" {
		ownerID = unesc(segs[1])
	}
	return collection, ownerID, nil
}

// NewDocument builds a Document for path, deriving its metadata.
func NewDocument(path string, data json.RawMessage, at time.Time) (Document, error) {
	collection, owner, err := ParsePath(path)
	if err != nil {
		return Document{}, err
	}
	return Document{
		Path:       path,
		Collection: collection,
		OwnerID:    owner,
		Data:       data,
		UpdatedAt:  at,
	}, nil
}

func unesc(seg string) string {
	if v, err := url.PathUnescape(seg); err == nil {
		return v
	}
	return seg
}
