package agilese

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func setup(t *testing.T, options ...Option) *Index {
	t.Helper()
	ix, err := Open(append([]Option{WithWide(4), WithValidate()}, options...)...)
	require.NoError(t, err, "Failed to open index")
	t.Cleanup(func() {
		_ = ix.Close()
	})
	return ix
}

func payload(doc int32) []byte {
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], uint32(doc)*3+1)
	return p[:]
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()

	_, err := Open(WithWide(5))
	assert.ErrorIs(t, err, ErrInvalidWide)

	_, err = Open(WithMaxItems(0))
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	_, err = Open(WithPayloadLen(-1))
	assert.ErrorIs(t, err, ErrPayloadSize)
}

func TestPutGet(t *testing.T) {
	t.Parallel()

	ix := setup(t, WithPayloadLen(4))

	err := ix.Update(func(b *Batch) error {
		for doc := int32(0); doc < 100; doc++ {
			if err := b.Put("even", doc*2, payload(doc*2)); err != nil {
				return err
			}
		}
		return b.Put("one", 7, payload(7))
	})
	require.NoError(t, err)

	assert.Equal(t, 2, ix.Terms())
	assert.Equal(t, 100, ix.Count("even"))
	assert.Equal(t, 1, ix.Count("one"))
	assert.Equal(t, 0, ix.Count("missing"))
	assert.Equal(t, uint64(1), ix.Generation())

	p, ok := ix.Get("even", 42)
	require.True(t, ok)
	assert.Equal(t, payload(42), p)
	p[0] ^= 0xff
	again, _ := ix.Get("even", 42)
	assert.Equal(t, payload(42), again, "Get returns a copy")

	_, ok = ix.Get("even", 43)
	assert.False(t, ok)
	_, ok = ix.Get("missing", 0)
	assert.False(t, ok)

	docs := ix.Postings("even")
	require.Len(t, docs, 100)
	assert.True(t, slices.IsSorted(docs))
	assert.Equal(t, int32(198), docs[99])
	assert.Nil(t, ix.Postings("missing"))

	// Overwrite.
	require.NoError(t, ix.Update(func(b *Batch) error {
		return b.Put("one", 7, payload(8))
	}))
	p, _ = ix.Get("one", 7)
	assert.Equal(t, payload(8), p)
	assert.Equal(t, 1, ix.Count("one"))
}

func TestBatchValidation(t *testing.T) {
	t.Parallel()

	ix := setup(t, WithPayloadLen(4))

	err := ix.Update(func(b *Batch) error {
		assert.ErrorIs(t, b.Put("", 1, payload(1)), ErrEmptyTerm)
		assert.ErrorIs(t, b.Put("t", -1, payload(1)), ErrInvalidDocID)
		_, err := b.Delete("t", -5)
		assert.ErrorIs(t, err, ErrInvalidDocID)

		// A malformed payload is refused, the rest of the batch proceeds.
		assert.ErrorIs(t, b.Put("t", 1, []byte{1}), ErrPayloadSize)
		return b.Put("t", 2, payload(2))
	})
	require.NoError(t, err)
	assert.Equal(t, []int32{2}, ix.Postings("t"))
}

func TestUpdateRollsBackAllTerms(t *testing.T) {
	t.Parallel()

	ix := setup(t)
	require.NoError(t, ix.Update(func(b *Batch) error {
		return errors.Join(b.Put("a", 1, nil), b.Put("b", 1, nil))
	}))
	gen := ix.Generation()

	boom := errors.New("boom")
	err := ix.Update(func(b *Batch) error {
		for doc := int32(2); doc < 50; doc++ {
			require.NoError(t, b.Put("a", doc, nil))
			require.NoError(t, b.Put("c", doc, nil))
		}
		_, err := b.Delete("b", 1)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, []int32{1}, ix.Postings("a"))
	assert.Equal(t, []int32{1}, ix.Postings("b"))
	assert.Zero(t, ix.Count("c"))
	assert.Equal(t, 2, ix.Terms())
	assert.Equal(t, gen, ix.Generation(), "nothing was published")
}

func TestUpdateAllocationExhausted(t *testing.T) {
	t.Parallel()

	ix := setup(t, WithMaxItems(64), WithMaxBlocks(1))
	require.NoError(t, ix.Update(func(b *Batch) error {
		return b.Put("t", 0, nil)
	}))
	before := ix.Stats()

	err := ix.Update(func(b *Batch) error {
		for doc := int32(1); doc < 10000; doc++ {
			if err := b.Put("t", doc, nil); err != nil {
				return err
			}
		}
		return nil
	})
	require.ErrorIs(t, err, ErrAllocationExhausted)

	// Later calls in a failed batch report the failure.
	err = ix.Update(func(b *Batch) error {
		for doc := int32(1); ; doc++ {
			if err := b.Put("t", doc, nil); err != nil {
				return b.Put("t", 0, nil)
			}
		}
	})
	assert.ErrorIs(t, err, ErrBatchFailed)

	assert.Equal(t, []int32{0}, ix.Postings("t"))
	after := ix.Stats()
	for i := range before.Classes {
		assert.Equal(t, before.Classes[i].InUse, after.Classes[i].InUse, "class %d", before.Classes[i].Size)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()

	ix := setup(t)
	require.NoError(t, ix.Update(func(b *Batch) error {
		for doc := int32(0); doc < 30; doc++ {
			if err := errors.Join(b.Put("x", doc, nil), b.Put("y", doc, nil)); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, ix.Update(func(b *Batch) error {
		ok, err := b.Delete("x", 3)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = b.Delete("x", 3)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = b.Delete("missing", 3)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
	assert.Equal(t, 29, ix.Count("x"))
	assert.Equal(t, 2, ix.Terms(), "deleting from an unknown term creates nothing")

	require.NoError(t, ix.Update(func(b *Batch) error {
		// Postings added earlier in the batch are removed too.
		require.NoError(t, b.Put("y", 100, nil))
		n, err := b.DeleteTerm("y")
		require.NoError(t, err)
		assert.Equal(t, 31, n)
		return nil
	}))
	assert.Zero(t, ix.Count("y"))
	assert.Equal(t, 1, ix.Terms(), "an emptied term is dropped")

	// A term created and emptied within one batch never appears.
	require.NoError(t, ix.Update(func(b *Batch) error {
		require.NoError(t, b.Put("z", 1, nil))
		_, err := b.Delete("z", 1)
		return err
	}))
	assert.Equal(t, 1, ix.Terms())
}

func TestQueriesMatchBruteForce(t *testing.T) {
	t.Parallel()

	ix := setup(t)
	rng := rand.New(rand.NewSource(42))
	terms := []string{"t0", "t1", "t2", "t3", "t4"}
	model := make(map[string]map[int32]bool)
	for _, term := range terms {
		model[term] = make(map[int32]bool)
	}

	for round := 0; round < 5; round++ {
		require.NoError(t, ix.Update(func(b *Batch) error {
			for op := 0; op < 2000; op++ {
				term := terms[rng.Intn(len(terms))]
				// Dense low ids overlap between terms, sparse high ids rarely do.
				doc := int32(rng.Intn(1000))
				if rng.Intn(4) == 0 {
					doc = rng.Int31()
				}
				if rng.Intn(5) == 0 {
					_, err := b.Delete(term, doc)
					require.NoError(t, err)
					delete(model[term], doc)
					continue
				}
				require.NoError(t, b.Put(term, doc, nil))
				model[term][doc] = true
			}
			return nil
		}))

		for _, q := range [][]string{{"t0"}, {"t0", "t1"}, {"t1", "t2", "t3"}, terms, {"t0", "nope"}, {}} {
			assert.Equal(t, bruteAnd(model, q), ix.And(q...).ToArray(), "and %v", q)
			assert.Equal(t, bruteOr(model, q), ix.Or(q...).ToArray(), "or %v", q)
		}
		got := ix.AndNot([]string{"t0", "t1"}, []string{"t2", "t3"}).ToArray()
		assert.Equal(t, bruteAndNot(model, []string{"t0", "t1"}, []string{"t2", "t3"}), got)
	}
}

func bruteAnd(model map[string]map[int32]bool, terms []string) []uint32 {
	out := []uint32{}
	if len(terms) == 0 {
		return out
	}
	for doc := range model[terms[0]] {
		all := true
		for _, term := range terms[1:] {
			all = all && model[term][doc]
		}
		if all {
			out = append(out, uint32(doc))
		}
	}
	slices.Sort(out)
	return out
}

func bruteOr(model map[string]map[int32]bool, terms []string) []uint32 {
	seen := make(map[int32]bool)
	out := []uint32{}
	for _, term := range terms {
		for doc := range model[term] {
			if !seen[doc] {
				seen[doc] = true
				out = append(out, uint32(doc))
			}
		}
	}
	slices.Sort(out)
	return out
}

func bruteAndNot(model map[string]map[int32]bool, include, exclude []string) []uint32 {
	excluded := make(map[uint32]bool)
	for _, doc := range bruteOr(model, exclude) {
		excluded[doc] = true
	}
	out := []uint32{}
	for _, doc := range bruteAnd(model, include) {
		if !excluded[doc] {
			out = append(out, doc)
		}
	}
	return out
}

func TestQueryCache(t *testing.T) {
	t.Parallel()

	ix := setup(t)
	require.NoError(t, ix.Update(func(b *Batch) error {
		for doc := int32(0); doc < 20; doc++ {
			if err := b.Put("a", doc, nil); err != nil {
				return err
			}
			if doc%2 == 0 {
				if err := b.Put("b", doc, nil); err != nil {
					return err
				}
			}
		}
		return nil
	}))

	first := ix.And("a", "b")
	assert.Equal(t, uint64(10), first.GetCardinality())
	first.Add(999)

	second := ix.And("b", "a", "a")
	assert.Equal(t, uint64(10), second.GetCardinality(), "cached result is not shared with callers")
	stats := ix.Stats()
	assert.Equal(t, uint64(1), stats.CacheHits, "term order and duplicates do not matter")
	assert.Equal(t, uint64(1), stats.CacheMisses)

	require.NoError(t, ix.Update(func(b *Batch) error {
		return b.Put("b", 1, nil)
	}))
	assert.Equal(t, uint64(11), ix.And("a", "b").GetCardinality(), "a commit invalidates results")
	stats = ix.Stats()
	assert.Equal(t, uint64(2), stats.CacheMisses)
	assert.Equal(t, 2, stats.CacheLen)

	// Distinct operations over the same terms are cached apart.
	assert.Equal(t, uint64(20), ix.Or("a", "b").GetCardinality())
	assert.Equal(t, uint64(9), ix.AndNot([]string{"a"}, []string{"b"}).GetCardinality())

	uncached := setup(t, WithCacheSize(0))
	assert.True(t, uncached.And("a").IsEmpty())
	stats = uncached.Stats()
	assert.Zero(t, stats.CacheLen)
	assert.Zero(t, stats.CacheMisses)
}

func TestMaintainReclaims(t *testing.T) {
	t.Parallel()

	ix := setup(t, WithGracePeriod(2*time.Second))
	for round := 0; round < 3; round++ {
		require.NoError(t, ix.Update(func(b *Batch) error {
			for doc := int32(0); doc < 200; doc++ {
				if round%2 == 1 {
					if _, err := b.Delete("t", doc); err != nil {
						return err
					}
				} else if err := b.Put("t", doc, nil); err != nil {
					return err
				}
			}
			return nil
		}))
	}
	deferred := ix.Stats().Deferred
	require.Positive(t, deferred)

	assert.Zero(t, ix.MaintainAt(time.Now().Add(-time.Hour)), "the clock never moves backwards")
	assert.Equal(t, deferred, ix.MaintainAt(time.Now().Add(3*time.Second)))
	assert.Zero(t, ix.Stats().Deferred)
	assert.Equal(t, 200, ix.Count("t"))
}

func TestSubSecondGracePeriodDefers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(0), graceSeconds(0))
	assert.Equal(t, int64(1), graceSeconds(time.Nanosecond))
	assert.Equal(t, int64(1), graceSeconds(time.Second))
	assert.Equal(t, int64(2), graceSeconds(1500*time.Millisecond))

	ix := setup(t, WithGracePeriod(500*time.Millisecond))
	require.NoError(t, ix.Update(func(b *Batch) error {
		for doc := int32(0); doc < 20; doc++ {
			if err := b.Put("a", doc, nil); err != nil {
				return err
			}
		}
		return nil
	}))
	require.Zero(t, ix.Stats().Deferred, "a new tree replaces nothing")
	require.NoError(t, ix.Update(func(b *Batch) error {
		_, err := b.Delete("a", 3)
		return err
	}))
	deferred := ix.Stats().Deferred
	assert.Positive(t, deferred, "replaced nodes wait out the grace period")

	assert.Zero(t, ix.MaintainAt(time.Now().Add(-time.Hour)))
	assert.Equal(t, deferred, ix.MaintainAt(time.Now().Add(2*time.Second)))
}

func TestUpdatePanicRollsBack(t *testing.T) {
	t.Parallel()

	ix := setup(t, WithPayloadLen(4))
	require.NoError(t, ix.Update(func(b *Batch) error {
		return b.Put("a", 1, payload(1))
	}))
	gen := ix.Generation()

	require.Panics(t, func() {
		_ = ix.Update(func(b *Batch) error {
			require.NoError(t, b.Put("a", 2, payload(2)))
			require.NoError(t, b.Put("fresh", 2, payload(2)))
			panic("boom")
		})
	})
	assert.Equal(t, gen, ix.Generation())
	assert.Equal(t, []int32{1}, ix.Postings("a"))
	assert.Equal(t, 1, ix.Terms(), "a term created by the panicking batch is not published")

	require.NoError(t, ix.Update(func(b *Batch) error {
		return b.Put("a", 3, payload(3))
	}))
	assert.Equal(t, []int32{1, 3}, ix.Postings("a"))
}

func TestQueryNotCachedWhilePublishing(t *testing.T) {
	t.Parallel()

	ix := setup(t)
	require.NoError(t, ix.Update(func(b *Batch) error {
		return errors.Join(b.Put("a", 1, nil), b.Put("b", 1, nil))
	}))

	ix.publishSeq.Add(1)
	assert.Equal(t, []uint32{1}, ix.And("a", "b").ToArray())
	assert.Zero(t, ix.Stats().CacheLen)

	ix.publishSeq.Add(1)
	assert.Equal(t, []uint32{1}, ix.And("a", "b").ToArray())
	assert.Equal(t, 1, ix.Stats().CacheLen)
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	t.Parallel()

	ix := setup(t, WithWide(8), WithPayloadLen(4), WithGracePeriod(time.Hour))
	require.NoError(t, ix.Update(func(b *Batch) error {
		for doc := int32(0); doc < 500; doc++ {
			if err := errors.Join(b.Put("stable", doc, payload(doc)), b.Put("all", doc, payload(doc))); err != nil {
				return err
			}
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				if n := ix.And("stable", "all").GetCardinality(); n != 500 {
					return fmt.Errorf("and returned %d documents", n)
				}
				p, ok := ix.Get("stable", 250)
				if !ok || !slices.Equal(p, payload(250)) {
					return fmt.Errorf("stable posting missing")
				}
				if docs := ix.Postings("churn"); !slices.IsSorted(docs) {
					return fmt.Errorf("postings out of order")
				}
			}
			return nil
		})
	}

	for round := 0; round < 30; round++ {
		require.NoError(t, ix.Update(func(b *Batch) error {
			for doc := int32(round * 10); doc < int32(round*10+200); doc++ {
				if err := b.Put("churn", doc, payload(doc)); err != nil {
					return err
				}
				if _, err := b.Delete("churn", doc-100); err != nil && !errors.Is(err, ErrInvalidDocID) {
					return err
				}
			}
			return nil
		}))
		ix.Maintain()
	}
	cancel()
	require.NoError(t, g.Wait())
}

func TestClose(t *testing.T) {
	t.Parallel()

	ix, err := Open(WithPayloadLen(4))
	require.NoError(t, err)
	require.NoError(t, ix.Update(func(b *Batch) error {
		return b.Put("t", 1, payload(1))
	}))

	require.NoError(t, ix.Close())
	require.NoError(t, ix.Close(), "close is idempotent")

	assert.ErrorIs(t, ix.Update(func(*Batch) error { return nil }), ErrIndexClosed)
	_, ok := ix.Get("t", 1)
	assert.False(t, ok)
	assert.Zero(t, ix.Count("t"))
	assert.True(t, ix.Or("t").IsEmpty())
	assert.Zero(t, ix.Maintain())
}
