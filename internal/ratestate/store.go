// Package ratestate keeps per-client sliding-window request counters.
//
// Windows are built from one-second buckets and slide in whole-second steps. A
// request made at time T is counted at time N while floor(N)-floor(T) is less than
// the window length in seconds. At a window boundary the count can therefore be
// off by at most the contents of one bucket: the second that is just leaving the
// window is either still fully counted or already fully dropped.
package ratestate

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	// MinuteWindow is the length of the rate-limit window.
	MinuteWindow = 60 * time.Second
	// BurstWindow is the length of the burst-protection window.
	BurstWindow = 10 * time.Second

	bucketCount   = int(MinuteWindow / time.Second)
	burstBuckets  = int64(BurstWindow / time.Second)
	minuteBuckets = int64(bucketCount)

	shardCount = 64
)

// Counts is a snapshot of a client's windows after an increment.
type Counts struct {
	Minute int
	Burst  int
	// ResetAt is when the oldest bucket currently counted toward Minute leaves the window.
	ResetAt time.Time
}

// Store maps client keys to sliding windows. It is safe for concurrent use; no lock is
// shared between shards, and windows for distinct keys in the same shard are updated
// under their own mutex.
type Store struct {
	shards [shardCount]shard
	ttl    time.Duration
}

type shard struct {
	mu      sync.RWMutex
	windows map[string]*window
}

type window struct {
	mu       sync.Mutex
	stamps   [bucketCount]int64 // unix second each bucket was last reset at
	counts   [bucketCount]uint32
	lastSeen int64 // unix nanoseconds
}

// New returns a store that forgets keys idle for longer than ttl.
func New(ttl time.Duration) *Store {
	s := &Store{ttl: ttl}
	for i := range s.shards {
		s.shards[i].windows = make(map[string]*window)
	}
	return s
}

// TTL returns the idle period after which a key is eligible for cleanup.
func (s *Store) TTL() time.Duration { return s.ttl }

// Increment records one request for key at now and returns the updated counts.
func (s *Store) Increment(key string, now time.Time) Counts {
	sh := s.shardFor(key)

	// The shard lock is held for the whole update so Cleanup, which needs the write
	// lock, can never unlink a window while it is being incremented.
	sh.mu.RLock()
	if w, ok := sh.windows[key]; ok {
		counts := w.increment(now)
		sh.mu.RUnlock()
		return counts
	}
	sh.mu.RUnlock()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	w, ok := sh.windows[key]
	if !ok {
		w = &window{}
		sh.windows[key] = w
	}
	return w.increment(now)
}

// Peek returns the current counts for key without recording a request.
func (s *Store) Peek(key string, now time.Time) Counts {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	w, ok := sh.windows[key]
	if !ok {
		return Counts{ResetAt: now.Add(MinuteWindow)}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sum(now.Unix())
}

// Cleanup removes windows idle for longer than the TTL and returns how many were removed.
func (s *Store) Cleanup(now time.Time) int {
	cutoff := now.Add(-s.ttl).UnixNano()
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, w := range sh.windows {
			w.mu.Lock()
			idle := w.lastSeen < cutoff
			w.mu.Unlock()
			if idle {
				delete(sh.windows, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.windows)
		sh.mu.RUnlock()
	}
	return n
}

func (s *Store) shardFor(key string) *shard {
	return &s.shards[xxhash.Sum64String(key)%shardCount]
}

func (w *window) increment(now time.Time) Counts {
	sec := now.Unix()
	idx := bucketIndex(sec)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stamps[idx] < sec {
		w.stamps[idx] = sec
		w.counts[idx] = 0
	}
	w.counts[idx]++
	if ns := now.UnixNano(); ns > w.lastSeen {
		w.lastSeen = ns
	}
	return w.sum(sec)
}

// sum must be called with w.mu held.
func (w *window) sum(sec int64) Counts {
	var minute, burst int
	oldest := sec
	for i := 0; i < bucketCount; i++ {
		if w.counts[i] == 0 {
			continue
		}
		age := sec - w.stamps[i]
		if age < 0 || age >= minuteBuckets {
			continue
		}
		minute += int(w.counts[i])
		if age < burstBuckets {
			burst += int(w.counts[i])
		}
		if w.stamps[i] < oldest {
			oldest = w.stamps[i]
		}
	}
	return Counts{
		Minute:  minute,
		Burst:   burst,
		ResetAt: time.Unix(oldest, 0).Add(MinuteWindow),
	}
}

func bucketIndex(sec int64) int {
	idx := sec % int64(bucketCount)
	if idx < 0 {
		idx += int64(bucketCount)
	}
	return int(idx)
}
