package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/semvid/internal/domain"
	bolt "go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"
)

// Bucket names
var (
	bucketHosts    = []byte("hosts")
	bucketFailures = []byte("failures")
	bucketMeta     = []byte("meta")
)

var allBuckets = [][]byte{bucketHosts, bucketFailures, bucketMeta}

// Failure records a video that could not be synced with a host
type Failure struct {
	Host     string    `json:"host"`
	ID       uuid.UUID `json:"id"`
	Error    string    `json:"error"`
	Count    int       `json:"count"`
	FirstAt  time.Time `json:"first_at"`
	LastAt   time.Time `json:"last_at"`
	Conflict bool      `json:"conflict,omitempty"`
}

type indexRow struct {
	ID           uuid.UUID `json:"id"`
	LastModified time.Time `json:"last_modified"`
}

// Ledger is the sync bookkeeping kept between runs: the last index seen on
// each host, videos that failed to sync, and when the last online refresh
// completed. It is a BoltDB file, or memory only when no path is given.
type Ledger struct {
	db *bolt.DB
	mu sync.RWMutex // Protects memory cache

	// In-memory cache for hot-path reads (promoted on access)
	cache map[string][]byte
}

// OpenLedger opens (creating if needed) the ledger at path
func OpenLedger(path string) (*Ledger, error) {
	if path == "" {
		// Memory-only mode (no persistence)
		return &Ledger{cache: make(map[string][]byte)}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Ledger{db: db, cache: make(map[string][]byte)}, nil
}

func (l *Ledger) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// === Generic helpers ===

func (l *Ledger) get(bucket []byte, key string, dest interface{}) bool {
	cacheKey := string(bucket) + ":" + key

	l.mu.RLock()
	if data, ok := l.cache[cacheKey]; ok {
		l.mu.RUnlock()
		return json.Unmarshal(data, dest) == nil
	}
	l.mu.RUnlock()

	if l.db == nil {
		return false
	}

	var data []byte
	l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})

	if data == nil {
		return false
	}

	// Promote to memory cache
	l.mu.Lock()
	l.cache[cacheKey] = data
	l.mu.Unlock()

	return json.Unmarshal(data, dest) == nil
}

func (l *Ledger) set(bucket []byte, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.cache[string(bucket)+":"+key] = data
	l.mu.Unlock()

	if l.db == nil {
		return nil
	}

	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (l *Ledger) delete(bucket []byte, key string) error {
	l.mu.Lock()
	delete(l.cache, string(bucket)+":"+key)
	l.mu.Unlock()

	if l.db == nil {
		return nil
	}

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// scanPrefix returns every value in bucket whose key starts with prefix.
// The memory cache is consulted in memory-only mode; otherwise BoltDB is
// the source of truth.
func (l *Ledger) scanPrefix(bucket []byte, prefix string) [][]byte {
	var out [][]byte
	if l.db == nil {
		l.mu.RLock()
		cachePrefix := string(bucket) + ":" + prefix
		for k, v := range l.cache {
			if strings.HasPrefix(k, cachePrefix) {
				out = append(out, v)
			}
		}
		l.mu.RUnlock()
		return out
	}

	l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			data := make([]byte, len(v))
			copy(data, v)
			out = append(out, data)
		}
		return nil
	})
	return out
}

// === Host index ===

// SaveHostIndex remembers the last index listed from a host
func (l *Ledger) SaveHostIndex(host string, rows []domain.FindResult) error {
	stored := make([]indexRow, len(rows))
	for i, r := range rows {
		stored[i] = indexRow{ID: r.ID, LastModified: r.LastModified}
	}
	return l.set(bucketHosts, host, stored)
}

// HostIndex returns the last index listed from a host
func (l *Ledger) HostIndex(host string) ([]domain.FindResult, bool) {
	var stored []indexRow
	if !l.get(bucketHosts, host, &stored) {
		return nil, false
	}
	rows := make([]domain.FindResult, len(stored))
	for i, r := range stored {
		rows[i] = domain.FindResult{ID: r.ID, LastModified: r.LastModified}
	}
	return rows, true
}

// === Failures (key: {host}:{id}) ===

func failureKey(host string, id uuid.UUID) string {
	return host + ":" + id.String()
}

// RecordFailure notes that syncing id with host failed, counting repeats
func (l *Ledger) RecordFailure(host string, id uuid.UUID, cause error, at time.Time) error {
	key := failureKey(host, id)
	var f Failure
	if !l.get(bucketFailures, key, &f) {
		f = Failure{Host: host, ID: id, FirstAt: at}
	}
	f.Count++
	f.LastAt = at
	f.Error = cause.Error()
	var conflict *domain.ConflictError
	f.Conflict = errors.As(cause, &conflict)
	return l.set(bucketFailures, key, f)
}

// ClearFailure forgets a failure once the video synced
func (l *Ledger) ClearFailure(host string, id uuid.UUID) error {
	return l.delete(bucketFailures, failureKey(host, id))
}

// Failures lists recorded failures, most recent first. An empty host lists
// failures for every host.
func (l *Ledger) Failures(host string) []Failure {
	prefix := ""
	if host != "" {
		prefix = host + ":"
	}
	var out []Failure
	for _, data := range l.scanPrefix(bucketFailures, prefix) {
		var f Failure
		if json.Unmarshal(data, &f) == nil {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAt.After(out[j].LastAt) })
	return out
}

// === Meta ===

func (l *Ledger) SetLastRefresh(t time.Time) error {
	return l.set(bucketMeta, "last_refresh", t)
}

// LastRefresh returns when the last online refresh completed
func (l *Ledger) LastRefresh() (time.Time, bool) {
	var t time.Time
	ok := l.get(bucketMeta, "last_refresh", &t)
	return t, ok
}

// Reset wipes all bookkeeping
func (l *Ledger) Reset() error {
	l.mu.Lock()
	l.cache = make(map[string][]byte)
	l.mu.Unlock()

	if l.db == nil {
		return nil
	}

	return l.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if err := tx.DeleteBucket(bucket); err != nil && !errors.Is(err, bolterrors.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		return nil
	})
}
