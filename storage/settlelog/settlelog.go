// Package settlelog keeps a local write-once record of the first settlement
// transaction observed for each payment request.
package settlelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const settledKeyPrefix = "settled:"

// ErrConflict is returned when a request is recorded with a settlement
// transaction different from the one already stored.
var ErrConflict = errors.New("settlelog: conflicting settlement")

// Entry is the stored settlement of one request.
type Entry struct {
	RequestID  string    `json:"requestId"`
	TxID       string    `json:"txId"`
	Rail       string    `json:"rail,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
}

// Log is a LevelDB-backed settlement log.
type Log struct {
	mu sync.Mutex
	db *leveldb.DB
}

// Open opens (or creates) the log at path.
func Open(path string) (*Log, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("settlelog: path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve settlelog path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open settlelog: %w", err)
	}
	return &Log{db: db}, nil
}

// OpenMemory returns a log that lives only in memory.
func OpenMemory() (*Log, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open settlelog: %w", err)
	}
	return &Log{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Record stores entry unless the request already has a settlement. It returns
// the stored entry and whether this call created it. A differing transaction
// for an already settled request returns the original entry and ErrConflict.
func (l *Log) Record(ctx context.Context, entry Entry) (Entry, bool, error) {
	if l == nil || l.db == nil {
		return Entry{}, false, fmt.Errorf("settlelog not configured")
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	entry.RequestID = strings.TrimSpace(entry.RequestID)
	entry.TxID = strings.TrimSpace(entry.TxID)
	if entry.RequestID == "" || entry.TxID == "" {
		return Entry{}, false, fmt.Errorf("settlelog: request id and tx id required")
	}
	if entry.ObservedAt.IsZero() {
		entry.ObservedAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	existing, ok, err := l.get(entry.RequestID)
	if err != nil {
		return Entry{}, false, err
	}
	if ok {
		if existing.TxID != entry.TxID {
			return existing, false, fmt.Errorf("%w: %s has %s, observed %s", ErrConflict, entry.RequestID, existing.TxID, entry.TxID)
		}
		return existing, false, nil
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, false, err
	}
	if err := l.db.Put(key(entry.RequestID), raw, &opt.WriteOptions{Sync: true}); err != nil {
		return Entry{}, false, fmt.Errorf("record settlement: %w", err)
	}
	return entry, true, nil
}

// Get returns the settlement of a request.
func (l *Log) Get(requestID string) (Entry, bool, error) {
	if l == nil || l.db == nil {
		return Entry{}, false, fmt.Errorf("settlelog not configured")
	}
	return l.get(strings.TrimSpace(requestID))
}

func (l *Log) get(requestID string) (Entry, bool, error) {
	raw, err := l.db.Get(key(requestID), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return Entry{}, false, nil
	case err != nil:
		return Entry{}, false, fmt.Errorf("load settlement: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode settlement: %w", err)
	}
	return entry, true, nil
}

// List returns every recorded settlement ordered by request id.
func (l *Log) List(ctx context.Context) ([]Entry, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("settlelog not configured")
	}
	iter := l.db.NewIterator(util.BytesPrefix([]byte(settledKeyPrefix)), nil)
	defer iter.Release()
	entries := make([]Entry, 0)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		var entry Entry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return nil, fmt.Errorf("decode settlement %s: %w", iter.Key(), err)
		}
		entries = append(entries, entry)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate settlements: %w", err)
	}
	return entries, nil
}

func key(requestID string) []byte {
	return []byte(settledKeyPrefix + requestID)
}
