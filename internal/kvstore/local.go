package kvstore

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Record is a value held by the in-process fallback. A zero ExpiresAt means
// the record never expires.
type Record struct {
	Value     string
	ExpiresAt time.Time
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// localStore is the degraded, best-effort backend. Each method holds the lock
// for its own duration only; compound sequences across calls are not atomic.
type localStore struct {
	now func() time.Time

	mu      sync.Mutex
	records map[string]Record
}

func newLocalStore(now func() time.Time) *localStore {
	if now == nil {
		now = time.Now
	}
	return &localStore{now: now, records: make(map[string]Record)}
}

func (l *localStore) get(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[key]
	if !ok {
		return "", false
	}
	if record.expired(l.now()) {
		delete(l.records, key)
		return "", false
	}
	return record.Value, true
}

func (l *localStore) set(key, value string, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record := Record{Value: value}
	if ttl > 0 {
		record.ExpiresAt = l.now().Add(ttl)
	}
	l.records[key] = record
}

func (l *localStore) del(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, key)
}

// delPattern honours a single trailing '*' (prefix match) or a literal key.
// Any other glob metacharacter is rejected without touching the map.
func (l *localStore) delPattern(pattern string) (int, error) {
	prefix, literal, err := localPattern(pattern)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if literal {
		if _, ok := l.records[prefix]; !ok {
			return 0, nil
		}
		delete(l.records, prefix)
		return 1, nil
	}
	removed := 0
	for key := range l.records {
		if strings.HasPrefix(key, prefix) {
			delete(l.records, key)
			removed++
		}
	}
	return removed, nil
}

// incr keeps an existing expiry, like INCR on the remote side. Missing,
// expired or non-numeric values start from zero.
func (l *localStore) incr(key string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	record, ok := l.records[key]
	if ok && record.expired(now) {
		record, ok = Record{}, false
	}
	var current int64
	if ok {
		if parsed, err := strconv.ParseInt(record.Value, 10, 64); err == nil {
			current = parsed
		}
	}
	current++
	record.Value = strconv.FormatInt(current, 10)
	l.records[key] = record
	return current
}

func (l *localStore) expire(key string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	record, ok := l.records[key]
	if !ok || record.expired(now) {
		delete(l.records, key)
		return false
	}
	if ttl <= 0 {
		delete(l.records, key)
		return true
	}
	record.ExpiresAt = now.Add(ttl)
	l.records[key] = record
	return true
}

// size counts live records under prefix, purging expired ones on the way.
func (l *localStore) size(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	count := 0
	for key, record := range l.records {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if record.expired(now) {
			delete(l.records, key)
			continue
		}
		count++
	}
	return count
}

// evictSoonest removes up to n records under prefix, nearest expiry first.
// Records without an expiry go last; ties break on key for determinism.
func (l *localStore) evictSoonest(prefix string, n int) int {
	if n <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	type candidate struct {
		key       string
		expiresAt time.Time
	}
	candidates := make([]candidate, 0, len(l.records))
	for key, record := range l.records {
		if strings.HasPrefix(key, prefix) {
			candidates = append(candidates, candidate{key: key, expiresAt: record.ExpiresAt})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].expiresAt, candidates[j].expiresAt
		switch {
		case a.IsZero() && b.IsZero():
			return candidates[i].key < candidates[j].key
		case a.IsZero():
			return false
		case b.IsZero():
			return true
		case a.Equal(b):
			return candidates[i].key < candidates[j].key
		default:
			return a.Before(b)
		}
	})
	if n > len(candidates) {
		n = len(candidates)
	}
	for _, c := range candidates[:n] {
		delete(l.records, c.key)
	}
	return n
}

func localPattern(pattern string) (string, bool, error) {
	idx := strings.IndexAny(pattern, "*?[")
	if idx < 0 {
		return pattern, true, nil
	}
	if idx == len(pattern)-1 && pattern[idx] == '*' {
		return pattern[:idx], false, nil
	}
	return "", false, ErrPatternUnsupported
}
