// Package cache is the predictive response cache shared by every call
// session. Lookups try the exact fingerprint first and then fall back to a
// similarity scan over a bounded set of recent entries for the same language
// and workflow state.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	DefaultMaxSize        = 10_000
	DefaultMaxAge         = 24 * time.Hour
	DefaultSweepInterval  = 5 * time.Minute
	DefaultThreshold      = 0.85
	DefaultCandidateLimit = 64

	shardCount = 16
)

// Error reports an entry that could not be used. Callers treat it as a miss.
type Error struct {
	Fingerprint string
	Reason      string
	Err         error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("cache entry %s: %s: %v", e.Fingerprint, e.Reason, e.Err)
	}
	return fmt.Sprintf("cache entry %s: %s", e.Fingerprint, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

var errEmpty = errors.New("empty input or response")

type Config struct {
	MaxSize        int
	MaxAge         time.Duration
	SweepInterval  time.Duration
	Threshold      float64
	CandidateLimit int
	Now            func() time.Time
	Logger         *slog.Logger
}

// Entry is a copy of a cached reply. Mutating it has no effect on the cache.
type Entry struct {
	Fingerprint     string    `msgpack:"fp"`
	InputNormalized string    `msgpack:"in"`
	Response        string    `msgpack:"resp"`
	Language        string    `msgpack:"lang"`
	StateID         string    `msgpack:"state"`
	CreatedAt       time.Time `msgpack:"created"`
	LastAccessedAt  time.Time `msgpack:"accessed"`
	HitCount        int64     `msgpack:"hits"`
}

// Key identifies a lookup or insertion.
type Key struct {
	Input    string
	Language string
	StateID  string
}

type Hit struct {
	Entry      Entry
	Exact      bool
	Similarity float64
}

type Stats struct {
	Size    int
	Hits    int64
	Misses  int64
	Corrupt int64
}

type SweepResult struct {
	Expired int
	Evicted int
}

type record struct {
	entry Entry
	grams gramSet
}

type shard struct {
	mu      sync.Mutex
	records map[string]*record
}

type groupKey struct {
	language string
	stateID  string
}

type Cache struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	shards [shardCount]shard
	size   atomic.Int64

	groupsMu sync.Mutex
	groups   map[groupKey][]string

	// evictMu serializes sweeps and size-bound evictions.
	evictMu sync.Mutex

	hits    atomic.Int64
	misses  atomic.Int64
	corrupt atomic.Int64
}

func New(cfg Config) *Cache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = DefaultCandidateLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Cache{
		cfg:    cfg,
		now:    cfg.Now,
		logger: cfg.Logger,
		groups: make(map[groupKey][]string),
	}
	for i := range c.shards {
		c.shards[i].records = make(map[string]*record)
	}
	return c
}

func (c *Cache) shardFor(fp string) *shard {
	return &c.shards[xxhash.Sum64String(fp)%shardCount]
}

func (c *Cache) expired(e Entry, now time.Time) bool {
	return now.Sub(e.CreatedAt) > c.cfg.MaxAge
}

// Lookup returns the cached reply for k, exact fingerprint first and then the
// most similar recent candidate at or above the configured threshold.
func (c *Cache) Lookup(k Key) (Hit, bool) {
	normalized := Normalize(k.Input)
	if normalized == "" {
		c.misses.Add(1)
		return Hit{}, false
	}
	fp := Fingerprint(normalized, k.Language, k.StateID)
	group := groupKey{language: k.Language, stateID: k.StateID}

	if entry, ok := c.touch(fp); ok {
		c.promote(group, fp)
		c.hits.Add(1)
		return Hit{Entry: entry, Exact: true, Similarity: 1}, true
	}

	query := trigrams(normalized)
	var (
		bestFP    string
		bestScore float64
	)
	for _, cand := range c.candidates(group) {
		if cand == fp {
			continue
		}
		sh := c.shardFor(cand)
		sh.mu.Lock()
		rec, ok := sh.records[cand]
		var score float64
		if ok && !c.expired(rec.entry, c.now()) {
			score = dice(query, rec.grams)
		}
		sh.mu.Unlock()
		if score >= c.cfg.Threshold && score > bestScore {
			bestFP, bestScore = cand, score
		}
	}
	if bestFP != "" {
		if entry, ok := c.touch(bestFP); ok {
			c.promote(group, bestFP)
			c.hits.Add(1)
			return Hit{Entry: entry, Similarity: bestScore}, true
		}
	}

	c.misses.Add(1)
	return Hit{}, false
}

// touch records an access on fp and returns a copy of the entry. Expired and
// corrupt entries are removed and reported as absent.
func (c *Cache) touch(fp string) (Entry, bool) {
	sh := c.shardFor(fp)
	now := c.now()

	sh.mu.Lock()
	rec, ok := sh.records[fp]
	if !ok {
		sh.mu.Unlock()
		return Entry{}, false
	}
	group := groupKey{language: rec.entry.Language, stateID: rec.entry.StateID}
	if err := validate(rec.entry); err != nil {
		delete(sh.records, fp)
		sh.mu.Unlock()
		c.size.Add(-1)
		c.dropFromGroup(group, fp)
		c.corrupt.Add(1)
		c.logger.Warn("discarding corrupt cache entry", "fingerprint", fp, "error", err)
		return Entry{}, false
	}
	if c.expired(rec.entry, now) {
		delete(sh.records, fp)
		sh.mu.Unlock()
		c.size.Add(-1)
		c.dropFromGroup(group, fp)
		return Entry{}, false
	}
	rec.entry.LastAccessedAt = now
	rec.entry.HitCount++
	out := rec.entry
	sh.mu.Unlock()
	return out, true
}

func validate(e Entry) error {
	if e.Response == "" || e.InputNormalized == "" {
		return &Error{Fingerprint: e.Fingerprint, Reason: "missing input or response"}
	}
	if Fingerprint(e.InputNormalized, e.Language, e.StateID) != e.Fingerprint {
		return &Error{Fingerprint: e.Fingerprint, Reason: "fingerprint mismatch"}
	}
	return nil
}

// Insert stores a freshly generated reply for k, replacing any previous reply
// for the same fingerprint.
func (c *Cache) Insert(k Key, response string) (Entry, error) {
	normalized := Normalize(k.Input)
	if normalized == "" || response == "" {
		return Entry{}, errEmpty
	}
	fp := Fingerprint(normalized, k.Language, k.StateID)
	now := c.now()
	entry := Entry{
		Fingerprint:     fp,
		InputNormalized: normalized,
		Response:        response,
		Language:        k.Language,
		StateID:         k.StateID,
		CreatedAt:       now,
		LastAccessedAt:  now,
	}
	c.put(entry, trigrams(normalized))
	c.promote(groupKey{language: k.Language, stateID: k.StateID}, fp)
	c.enforceBound()
	return entry, nil
}

func (c *Cache) put(entry Entry, grams gramSet) {
	sh := c.shardFor(entry.Fingerprint)
	sh.mu.Lock()
	if _, exists := sh.records[entry.Fingerprint]; !exists {
		c.size.Add(1)
	}
	sh.records[entry.Fingerprint] = &record{entry: entry, grams: grams}
	sh.mu.Unlock()
}

func (c *Cache) promote(group groupKey, fp string) {
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	list := c.groups[group]
	for i, existing := range list {
		if existing == fp {
			copy(list[1:i+1], list[:i])
			list[0] = fp
			return
		}
	}
	if len(list) < c.cfg.CandidateLimit {
		list = append(list, "")
	}
	copy(list[1:], list)
	list[0] = fp
	c.groups[group] = list
}

func (c *Cache) candidates(group groupKey) []string {
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	list := c.groups[group]
	out := make([]string, len(list))
	copy(out, list)
	return out
}

func (c *Cache) dropFromGroup(group groupKey, fp string) {
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	list := c.groups[group]
	for i, existing := range list {
		if existing == fp {
			c.groups[group] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(c.groups[group]) == 0 {
		delete(c.groups, group)
	}
}

func (c *Cache) remove(fp string, onlyIf func(Entry) bool) bool {
	sh := c.shardFor(fp)
	sh.mu.Lock()
	rec, ok := sh.records[fp]
	if !ok || (onlyIf != nil && !onlyIf(rec.entry)) {
		sh.mu.Unlock()
		return false
	}
	delete(sh.records, fp)
	group := groupKey{language: rec.entry.Language, stateID: rec.entry.StateID}
	sh.mu.Unlock()
	c.size.Add(-1)
	c.dropFromGroup(group, fp)
	return true
}

func (c *Cache) enforceBound() int {
	if int(c.size.Load()) <= c.cfg.MaxSize {
		return 0
	}
	c.evictMu.Lock()
	defer c.evictMu.Unlock()
	return c.evictLRULocked()
}

type accessMark struct {
	fp       string
	accessed time.Time
}

// evictLRULocked removes least-recently-accessed entries until the cache is
// within MaxSize. evictMu must be held.
func (c *Cache) evictLRULocked() int {
	over := int(c.size.Load()) - c.cfg.MaxSize
	if over <= 0 {
		return 0
	}
	marks := make([]accessMark, 0, c.size.Load())
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for fp, rec := range sh.records {
			marks = append(marks, accessMark{fp: fp, accessed: rec.entry.LastAccessedAt})
		}
		sh.mu.Unlock()
	}
	sort.Slice(marks, func(i, j int) bool { return marks[i].accessed.Before(marks[j].accessed) })

	evicted := 0
	for _, m := range marks {
		if int(c.size.Load()) <= c.cfg.MaxSize {
			break
		}
		accessed := m.accessed
		if c.remove(m.fp, func(e Entry) bool { return !e.LastAccessedAt.After(accessed) }) {
			evicted++
		}
	}
	return evicted
}

// Sweep removes expired entries and then evicts least-recently-accessed
// entries until the cache is within MaxSize.
func (c *Cache) Sweep() SweepResult {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	now := c.now()
	var expired []string
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for fp, rec := range sh.records {
			if c.expired(rec.entry, now) {
				expired = append(expired, fp)
			}
		}
		sh.mu.Unlock()
	}
	res := SweepResult{}
	for _, fp := range expired {
		if c.remove(fp, func(e Entry) bool { return c.expired(e, now) }) {
			res.Expired++
		}
	}
	res.Evicted = c.evictLRULocked()
	return res
}

// Run sweeps on the configured interval until ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res := c.Sweep()
			if res.Expired > 0 || res.Evicted > 0 {
				c.logger.Info("cache sweep", "expired", res.Expired, "evicted", res.Evicted, "size", c.Len())
			}
		}
	}
}

func (c *Cache) Len() int {
	return int(c.size.Load())
}

func (c *Cache) Stats() Stats {
	return Stats{
		Size:    c.Len(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Corrupt: c.corrupt.Load(),
	}
}

// Entries returns a copy of every live entry.
func (c *Cache) Entries() []Entry {
	now := c.now()
	out := make([]Entry, 0, c.Len())
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for _, rec := range sh.records {
			if !c.expired(rec.entry, now) {
				out = append(out, rec.entry)
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// Restore loads previously persisted entries. Expired entries are skipped;
// invalid ones are returned as *Error and not loaded.
func (c *Cache) Restore(entries []Entry) (loaded int, errs []error) {
	now := c.now()
	sort.Slice(entries, func(i, j int) bool { return entries[i].LastAccessedAt.Before(entries[j].LastAccessedAt) })
	for _, e := range entries {
		if err := validate(e); err != nil {
			c.corrupt.Add(1)
			errs = append(errs, err)
			continue
		}
		if c.expired(e, now) {
			continue
		}
		c.put(e, trigrams(e.InputNormalized))
		c.promote(groupKey{language: e.Language, stateID: e.StateID}, e.Fingerprint)
		loaded++
	}
	c.enforceBound()
	return loaded, errs
}
