package sqlitedb

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/docstore"
	"autopilot/internal/types"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "autopilot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_ReadMissing(t *testing.T) {
	s := openTemp(t)

	_, err := s.Read(context.Background(), docstore.SettingsPath("u1"))
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestStore_WriteUpsertsAndReads(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	first := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return first }

	path := docstore.ChannelPath("u1", "c1")
	require.NoError(t, s.Write(ctx, path, json.RawMessage(`{"name":"A"}`)))

	s.now = func() time.Time { return first.Add(time.Minute) }
	require.NoError(t, s.Write(ctx, path, json.RawMessage(`{"name":"B"}`)))

	doc, err := s.Read(ctx, path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"B"}`, string(doc.Data))
	assert.Equal(t, "channels", doc.Collection)
	assert.Equal(t, "u1", doc.OwnerID)
	assert.True(t, doc.UpdatedAt.Equal(first.Add(time.Minute)))
}

func TestStore_QueryCollectionGroup(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	require.NoError(t, s.Write(ctx, docstore.ChannelPath("u2", "c2"), json.RawMessage(`{}`)))
	require.NoError(t, s.Write(ctx, docstore.ChannelPath("u1", "c1"), json.RawMessage(`{}`)))
	require.NoError(t, s.Write(ctx, docstore.SettingsPath("u1"), json.RawMessage(`{}`)))

	docs, err := s.QueryCollectionGroup(ctx, docstore.CollectionChannels)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "c1", docs[0].ID())
	assert.Equal(t, "u2", docs[1].OwnerID)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "autopilot.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, docstore.NewProcessedFileRepository(s).MarkProcessed(ctx, processedRecord()))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	ok, err := docstore.NewProcessedFileRepository(reopened).IsProcessed(ctx, "c1", "clip.mp4")
	require.NoError(t, err)
	assert.True(t, ok)
}

func processedRecord() types.ProcessedFileRecord {
	return types.ProcessedFileRecord{
		ChannelID:   "c1",
		FileName:    "clip.mp4",
		ProcessedAt: time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC),
	}
}
