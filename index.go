package agilese

import (
	"bytes"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zilongwhu/agile-se-sub000/internal/arena"
	"github.com/zilongwhu/agile-se-sub000/internal/btree"
	"github.com/zilongwhu/agile-se-sub000/internal/clock"
	"github.com/zilongwhu/agile-se-sub000/internal/deferred"
)

type (
	postingTree     = btree.Tree[*deferred.Queue]
	postingIterator = btree.Iterator[*deferred.Queue]
)

// ClassStats describes one arena size class.
type ClassStats = arena.ClassStats

// Index maps terms to posting lists: ordered sets of document ids, each with
// a fixed-length payload. Every posting list is a copy-on-write B+tree in a
// shared arena.
//
// Writes are serialized by Update. Reads (Get, Count, Postings and the query
// methods) take no locks and may run concurrently with a write: they see
// each term either before or after a commit, never a partial one. Memory
// replaced by a commit is reclaimed by Maintain once the grace period has
// passed, so a read must finish within the grace period.
type Index struct {
	mu     sync.Mutex // serializes writers, Maintain and Close
	opts   Options
	config btree.Config

	arena *arena.Arena
	clock *clock.Clock
	queue *deferred.Queue

	terms      atomic.Pointer[map[string]*postingTree]
	generation atomic.Uint64
	publishSeq atomic.Uint64 // odd while a commit is publishing
	closed     atomic.Bool

	cache *resultCache
}

// Open creates an empty index.
func Open(options ...Option) (*Index, error) {
	opts := DefaultOptions()
	for _, opt := range options {
		opt(&opts)
	}

	arenaOpts := []arena.Option{arena.WithLogger(opts.logger)}
	if opts.maxBlocks > 0 {
		arenaOpts = append(arenaOpts, arena.WithMaxBlocks(opts.maxBlocks))
	}
	if opts.heapPages {
		arenaOpts = append(arenaOpts, arena.WithHeapPages())
	}
	a := arena.New(arenaOpts...)
	clk := clock.New()

	q, err := deferred.New(a, clk,
		deferred.WithGracePeriod(graceSeconds(opts.gracePeriod)),
		deferred.WithLogger(opts.logger))
	if err != nil {
		return nil, err
	}

	cfg := btree.Config{
		Wide:       opts.wide,
		PayloadLen: opts.payloadLen,
		Validate:   opts.validate,
		Logger:     opts.logger,
	}
	if err := btree.RegisterClasses(a, cfg); err != nil {
		return nil, err
	}
	if err := a.Init(opts.maxItems); err != nil {
		return nil, err
	}

	cache, err := newResultCache(opts.cacheSize)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	ix := &Index{
		opts:   opts,
		config: cfg,
		arena:  a,
		clock:  clk,
		queue:  q,
		cache:  cache,
	}
	empty := make(map[string]*postingTree)
	ix.terms.Store(&empty)

	opts.logger.Info("index opened",
		"wide", opts.wide,
		"payloadLen", opts.payloadLen,
		"gracePeriod", opts.gracePeriod,
		"maxItems", opts.maxItems)
	return ix, nil
}

// graceSeconds rounds d up to whole clock seconds. Only zero disables the
// grace period.
func graceSeconds(d time.Duration) int64 {
	return int64((d + time.Second - 1) / time.Second)
}

func newPostingTree(ix *Index) (*postingTree, error) {
	return btree.New(ix.queue, ix.config)
}

func (ix *Index) tree(term string) *postingTree {
	return (*ix.terms.Load())[term]
}

// Update runs fn inside a write batch. If fn returns an error, panics, or any
// change in the batch fails, nothing in the batch is published.
//
// An error from the commit itself (a failed post-commit validation or a
// reclamation that could not be queued) is returned after the batch has been
// published and the generation bumped. Such a write must not be retried.
func (ix *Index) Update(fn func(*Batch) error) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed.Load() {
		return ErrIndexClosed
	}

	b := &Batch{ix: ix, touched: make(map[string]*postingTree)}
	done := false
	defer func() {
		if !done {
			b.abort(errBatchPanicked)
		}
	}()

	err := fn(b)
	done = true
	if err == nil {
		err = b.err
	}
	if err != nil {
		b.abort(err)
		return err
	}
	return b.commit()
}

// Get returns a copy of the payload stored for doc under term.
func (ix *Index) Get(term string, doc int32) ([]byte, bool) {
	if ix.closed.Load() {
		return nil, false
	}
	t := ix.tree(term)
	if t == nil {
		return nil, false
	}
	p, ok := t.Seek(doc)
	if !ok {
		return nil, false
	}
	return bytes.Clone(p), true
}

// Count returns the number of documents posted under term.
func (ix *Index) Count(term string) int {
	if ix.closed.Load() {
		return 0
	}
	if t := ix.tree(term); t != nil {
		return t.Size()
	}
	return 0
}

// Postings returns the document ids posted under term in ascending order.
func (ix *Index) Postings(term string) []int32 {
	if ix.closed.Load() {
		return nil
	}
	t := ix.tree(term)
	if t == nil {
		return nil
	}
	docs := make([]int32, 0, t.Size())
	it := t.Iterator()
	for it.Begin(); it.Valid(); it.Next() {
		docs = append(docs, it.Key())
	}
	return docs
}

// Terms returns the number of terms with at least one posting.
func (ix *Index) Terms() int {
	return len(*ix.terms.Load())
}

// Generation returns the number of commits published so far.
func (ix *Index) Generation() uint64 {
	return ix.generation.Load()
}

// Maintain advances the coarse clock to the wall time and reclaims memory
// whose grace period has passed. It returns the number of reclaimed nodes.
// The index never calls it on its own.
func (ix *Index) Maintain() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed.Load() {
		return 0
	}
	ix.clock.Tick()
	return ix.queue.Recycle()
}

// MaintainAt is Maintain with an explicit time. The clock never moves
// backwards.
func (ix *Index) MaintainAt(now time.Time) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed.Load() {
		return 0
	}
	ix.clock.Set(now.Unix())
	return ix.queue.Recycle()
}

// Stats describes the memory held by an index.
type Stats struct {
	Terms       int
	Postings    int
	Deferred    int // replaced nodes waiting for their grace period
	Generation  uint64
	CacheLen    int
	CacheHits   uint64
	CacheMisses uint64
	Classes     []ClassStats
}

// Stats returns a snapshot of the index counters.
func (ix *Index) Stats() Stats {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	terms := *ix.terms.Load()
	s := Stats{
		Terms:      len(terms),
		Deferred:   ix.queue.Len(),
		Generation: ix.generation.Load(),
		Classes:    ix.arena.Stats(),
	}
	for _, t := range terms {
		s.Postings += t.Size()
	}
	s.CacheLen, s.CacheHits, s.CacheMisses = ix.cache.stats()
	return s
}

// Close releases all memory. No read may be in flight or start afterwards.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed.Swap(true) {
		return nil
	}
	for term, t := range *ix.terms.Load() {
		if err := t.Destroy(); err != nil {
			ix.opts.logger.Error("destroy posting tree", "term", term, "error", err)
		}
	}
	empty := make(map[string]*postingTree)
	ix.terms.Store(&empty)
	ix.queue.Flush()
	ix.cache.purge()
	if err := ix.arena.Close(); err != nil {
		return fmt.Errorf("close arena: %w", err)
	}
	return nil
}

// publish installs the term set produced by a commit.
func (ix *Index) publish(added map[string]*postingTree, dropped []string) {
	if len(added) == 0 && len(dropped) == 0 {
		return
	}
	next := maps.Clone(*ix.terms.Load())
	maps.Copy(next, added)
	for _, term := range dropped {
		delete(next, term)
	}
	ix.terms.Store(&next)
}
