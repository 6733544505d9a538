package btree

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zilongwhu/agile-se-sub000/internal/base"
	"github.com/zilongwhu/agile-se-sub000/internal/deferred"
)

// flakyMemory fails every allocation once its budget runs out.
type flakyMemory struct {
	*deferred.Queue
	limited bool
	budget  int
}

func (m *flakyMemory) Alloc(size int) (base.Handle, error) {
	if m.limited {
		if m.budget == 0 {
			return 0, base.ErrAllocationExhausted
		}
		m.budget--
	}
	return m.Queue.Alloc(size)
}

func TestBatchLifecycleErrors(t *testing.T) {
	t.Parallel()

	tr, _ := setup(t, Config{Wide: 8, PayloadLen: 8})

	assert.ErrorIs(t, tr.Insert(1, payloadOf(1)), base.ErrNoBatch)
	_, err := tr.Remove(1)
	assert.ErrorIs(t, err, base.ErrNoBatch)
	assert.ErrorIs(t, tr.EndForModify(), base.ErrNoBatch)
	assert.ErrorIs(t, tr.AbortModify(), base.ErrNoBatch)
	assert.False(t, tr.Modifying())

	require.NoError(t, tr.InitForModify())
	assert.True(t, tr.Modifying())
	assert.ErrorIs(t, tr.InitForModify(), base.ErrBatchInProgress)
	assert.ErrorIs(t, tr.Destroy(), base.ErrBatchInProgress)

	// A malformed payload is refused without failing the batch.
	assert.ErrorIs(t, tr.Insert(1, []byte{1, 2}), base.ErrPayloadSize)
	require.NoError(t, tr.Insert(2, payloadOf(2)))
	require.NoError(t, tr.EndForModify())
	assert.Equal(t, 1, tr.Size())
	assert.False(t, tr.Contains(1))
}

func TestRemoveAbsent(t *testing.T) {
	t.Parallel()

	tr, _ := setup(t, Config{Wide: 4, PayloadLen: 8})

	commit(t, tr, func() {
		ok, err := tr.Remove(3)
		require.NoError(t, err)
		assert.False(t, ok, "empty tree")
	})

	commit(t, tr, func() {
		for k := int32(0); k < 40; k += 2 {
			require.NoError(t, tr.Insert(k, payloadOf(k)))
		}
	})
	root := tr.Root()

	require.NoError(t, tr.InitForModify())
	for _, k := range []int32{-1, 1, 17, 39, 100} {
		ok, err := tr.Remove(k)
		require.NoError(t, err)
		assert.False(t, ok, "key %d", k)
	}
	allocated, superseded := tr.Pending()
	assert.Zero(t, allocated)
	assert.Zero(t, superseded)
	require.NoError(t, tr.EndForModify())
	assert.Equal(t, root, tr.Root())
	assert.Equal(t, 20, tr.Size())
}

func TestIdempotentInsert(t *testing.T) {
	t.Parallel()

	tr, e := setup(t, Config{Wide: 4, PayloadLen: 8})

	commit(t, tr, func() {
		for k := int32(0); k < 100; k++ {
			require.NoError(t, tr.Insert(k, payloadOf(k)))
		}
	})
	root, digest := tr.Root(), tr.Digest()
	used := e.inUse(leafSize(4, 8))

	require.NoError(t, tr.InitForModify())
	for k := int32(0); k < 100; k++ {
		require.NoError(t, tr.Insert(k, payloadOf(k)))
	}
	allocated, superseded := tr.Pending()
	assert.Zero(t, allocated, "identical payloads allocate nothing")
	assert.Zero(t, superseded)
	require.NoError(t, tr.EndForModify())

	assert.Equal(t, root, tr.Root())
	assert.Equal(t, digest, tr.Digest())
	assert.Equal(t, 100, tr.Size())
	assert.Equal(t, used, e.inUse(leafSize(4, 8)))
}

func TestOverwrite(t *testing.T) {
	t.Parallel()

	tr, e := setup(t, Config{Wide: 4, PayloadLen: 8})

	commit(t, tr, func() {
		for k := int32(0); k < 100; k++ {
			require.NoError(t, tr.Insert(k, payloadOf(k)))
		}
	})
	old, ok := tr.Seek(42)
	require.True(t, ok)
	height := tr.Height()

	commit(t, tr, func() {
		require.NoError(t, tr.Insert(42, payloadOf(-42)))
		allocated, superseded := tr.Pending()
		assert.Equal(t, height, allocated, "one clone per level")
		assert.Equal(t, height, superseded)

		// Writing again inside the batch reuses the clones.
		require.NoError(t, tr.Insert(42, payloadOf(-43)))
		allocated, _ = tr.Pending()
		assert.Equal(t, height, allocated)
	})

	p, ok := tr.Seek(42)
	require.True(t, ok)
	assert.Equal(t, payloadOf(-43), p)
	assert.Equal(t, 100, tr.Size())
	assert.Equal(t, payloadOf(42), old, "the superseded leaf is intact during the grace period")
	assert.Equal(t, height, e.queue.Len())
}

func TestRollback(t *testing.T) {
	t.Parallel()

	cfg := Config{Wide: 4, PayloadLen: 8}
	e := newEnv(t, 3600, cfg)
	mem := &flakyMemory{Queue: e.queue}
	tr, err := New(mem, cfg)
	require.NoError(t, err)

	commit(t, tr, func() {
		for k := int32(0); k < 200; k += 2 {
			require.NoError(t, tr.Insert(k, payloadOf(k)))
		}
	})
	root, size, digest := tr.Root(), tr.Size(), tr.Digest()
	leaves, internals := e.inUse(leafSize(4, 8)), e.inUse(internalSize(4))
	queued := e.queue.Len()

	mem.limited, mem.budget = true, 5
	require.NoError(t, tr.InitForModify())
	var failed error
	for k := int32(1); k < 400 && failed == nil; k += 2 {
		failed = tr.Insert(k, payloadOf(k))
	}
	require.ErrorIs(t, failed, base.ErrAllocationExhausted)

	// The batch is poisoned.
	assert.ErrorIs(t, tr.Insert(1000, payloadOf(1000)), base.ErrBatchFailed)
	_, err = tr.Remove(0)
	assert.ErrorIs(t, err, base.ErrBatchFailed)

	err = tr.EndForModify()
	assert.ErrorIs(t, err, base.ErrRolledBack)
	assert.ErrorIs(t, err, base.ErrAllocationExhausted)
	assert.False(t, tr.Modifying())

	assert.Equal(t, root, tr.Root())
	assert.Equal(t, size, tr.Size())
	assert.Equal(t, digest, tr.Digest())
	for k := int32(0); k < 200; k += 2 {
		p, ok := tr.Seek(k)
		require.True(t, ok, "key %d", k)
		assert.Equal(t, payloadOf(k), p)
	}
	for k := int32(1); k < 400; k += 2 {
		assert.False(t, tr.Contains(k), "key %d", k)
	}
	assert.Equal(t, leaves, e.inUse(leafSize(4, 8)), "rollback frees every allocation")
	assert.Equal(t, internals, e.inUse(internalSize(4)))
	assert.Equal(t, queued, e.queue.Len(), "nothing is deferred on rollback")

	// The tree accepts new batches after a rollback.
	mem.limited = false
	commit(t, tr, func() {
		require.NoError(t, tr.Insert(1, payloadOf(1)))
	})
	assert.Equal(t, size+1, tr.Size())
}

func TestAbortModify(t *testing.T) {
	t.Parallel()

	tr, e := setup(t, Config{Wide: 4, PayloadLen: 8})
	commit(t, tr, func() {
		for k := int32(0); k < 30; k++ {
			require.NoError(t, tr.Insert(k, payloadOf(k)))
		}
	})
	used := e.inUse(leafSize(4, 8))

	require.NoError(t, tr.InitForModify())
	for k := int32(0); k < 30; k++ {
		_, err := tr.Remove(k)
		require.NoError(t, err)
	}
	require.NoError(t, tr.AbortModify())
	assert.Equal(t, 30, tr.Size())
	assert.Equal(t, used, e.inUse(leafSize(4, 8)))
	require.NoError(t, tr.Validate())
}

func TestRandomBatches(t *testing.T) {
	t.Parallel()

	for _, wide := range []int{4, 6, 16, 64} {
		tr, _ := setup(t, Config{Wide: wide, PayloadLen: 8, Validate: true})
		rng := rand.New(rand.NewSource(42))
		model := make(map[int32][]byte)

		for batch := 0; batch < 40; batch++ {
			commit(t, tr, func() {
				for op := 0; op < 100; op++ {
					k := int32(rng.Intn(2000)) - 1000
					if rng.Intn(3) == 0 {
						ok, err := tr.Remove(k)
						require.NoError(t, err)
						_, present := model[k]
						assert.Equal(t, present, ok)
						delete(model, k)
						continue
					}
					p := payloadOf(k ^ int32(batch))
					require.NoError(t, tr.Insert(k, p))
					model[k] = p
				}
			})
			require.Equal(t, len(model), tr.Size(), "wide=%d batch=%d", wide, batch)
		}

		for k, want := range model {
			got, ok := tr.Seek(k)
			require.True(t, ok, "wide=%d key=%d", wide, k)
			assert.True(t, bytes.Equal(want, got))
		}
	}
}

func TestValidateOnCommit(t *testing.T) {
	t.Parallel()

	tr, _ := setup(t, Config{Wide: 4, PayloadLen: 8, Validate: true})
	commit(t, tr, func() {
		for k := int32(0); k < 20; k++ {
			require.NoError(t, tr.Insert(k, payloadOf(k)))
		}
	})

	// Break the order of the leftmost leaf outside of a batch.
	h := tr.Root()
	n := tr.load(h)
	for !n.leaf() {
		n = tr.load(n.children[0])
	}
	n.keys[0], n.keys[1] = n.keys[1], n.keys[0]

	require.NoError(t, tr.InitForModify())
	require.NoError(t, tr.Insert(100, payloadOf(100)))
	assert.ErrorIs(t, tr.EndForModify(), base.ErrStructuralCorruption)
}
