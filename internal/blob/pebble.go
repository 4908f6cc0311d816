// Package blob stores shared data blobs in a Pebble key-value store, as an
// alternative to the SQLite data_blobs table.
package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"channelhub/internal/domain"

	"github.com/cockroachdb/pebble"
)

var (
	keyPrefix = []byte("data:")
	// first byte after ':' bounds the prefix scan
	keyUpper = []byte("data;")
)

// PebbleStore implements domain.DataStore. Values are JSON-encoded blobs
// under data:<id>.
type PebbleStore struct {
	db *pebble.DB
}

// record is the stored form; DataBlob hides Content from JSON.
type record struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId,omitempty"`
	Type      string `json:"type"`
	MimeType  string `json:"mimeType,omitempty"`
	Content   []byte `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}

// Open opens or creates the store at dir.
func Open(dir string) (*PebbleStore, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("cannot create blob directory: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func blobKey(id string) []byte {
	return append(append([]byte{}, keyPrefix...), id...)
}

func (s *PebbleStore) PutData(_ context.Context, blob domain.DataBlob) error {
	if blob.CreatedAt == 0 {
		blob.CreatedAt = time.Now().UnixMilli()
	}
	v, err := json.Marshal(record{
		ID:        blob.ID,
		ChannelID: blob.ChannelID,
		Type:      blob.Type,
		MimeType:  blob.MimeType,
		Content:   blob.Content,
		CreatedAt: blob.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode blob: %w", err)
	}
	return domain.Persistence("put data", s.db.Set(blobKey(blob.ID), v, pebble.Sync))
}

func (s *PebbleStore) GetData(_ context.Context, id string) (*domain.DataBlob, error) {
	v, closer, err := s.db.Get(blobKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, &domain.NotFoundError{Kind: "data", ID: id}
	}
	if err != nil {
		return nil, domain.Persistence("get data", err)
	}
	defer closer.Close()

	var r record
	if err := json.Unmarshal(v, &r); err != nil {
		return nil, fmt.Errorf("decode blob %s: %w", id, err)
	}
	return &domain.DataBlob{
		ID:        r.ID,
		ChannelID: r.ChannelID,
		Type:      r.Type,
		MimeType:  r.MimeType,
		Content:   r.Content,
		CreatedAt: r.CreatedAt,
	}, nil
}

// PurgeData deletes blobs created before the cutoff in one batch.
func (s *PebbleStore) PurgeData(ctx context.Context, before time.Time) (int, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: keyPrefix, UpperBound: keyUpper})
	if err != nil {
		return 0, domain.Persistence("purge data", err)
	}
	defer it.Close()

	cutoff := before.UnixMilli()
	batch := s.db.NewBatch()
	defer batch.Close()

	n := 0
	for ok := it.First(); ok; ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		var r struct {
			CreatedAt int64 `json:"createdAt"`
		}
		if err := json.Unmarshal(it.Value(), &r); err != nil {
			continue
		}
		if r.CreatedAt >= cutoff {
			continue
		}
		if err := batch.Delete(append([]byte{}, it.Key()...), nil); err != nil {
			return 0, domain.Persistence("purge data", err)
		}
		n++
	}
	if err := it.Error(); err != nil {
		return 0, domain.Persistence("purge data", err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, domain.Persistence("purge data", err)
	}
	return n, nil
}
