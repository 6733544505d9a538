package btree

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/zilongwhu/agile-se-sub000/internal/base"
)

// modifyContext tracks one write batch.
type modifyContext struct {
	root      base.Handle
	sizeDelta int64
	err       error

	// allocated maps every live node created by the batch to its size.
	// Rollback frees exactly this set.
	allocated map[base.Handle]int

	// superseded lists published nodes replaced by the batch. They are
	// handed to DelayFree on commit and left alone on rollback.
	superseded []retired
}

type retired struct {
	h    base.Handle
	size int
}

type insertResult struct {
	h       base.Handle
	right   base.Handle // sibling created by a split, 0 otherwise
	changed bool
	added   bool
}

type removeResult struct {
	h       base.Handle
	removed bool
}

// InitForModify opens a write batch against the published version.
func (t *Tree[M]) InitForModify() error {
	if t.ctx != nil {
		return base.ErrBatchInProgress
	}
	t.ctx = &modifyContext{
		root:      base.Handle(t.root.Load()),
		allocated: make(map[base.Handle]int),
	}
	return nil
}

// Modifying reports whether a write batch is open.
func (t *Tree[M]) Modifying() bool {
	return t.ctx != nil
}

// Pending returns the number of nodes the open batch has allocated and the
// number of published nodes it has superseded.
func (t *Tree[M]) Pending() (allocated, superseded int) {
	if t.ctx == nil {
		return 0, 0
	}
	return len(t.ctx.allocated), len(t.ctx.superseded)
}

// Insert adds key or overwrites its payload. Writing a payload identical to
// the stored one allocates nothing.
func (t *Tree[M]) Insert(key int32, payload []byte) error {
	ctx := t.ctx
	if ctx == nil {
		return base.ErrNoBatch
	}
	if ctx.err != nil {
		return fmt.Errorf("%w: %w", base.ErrBatchFailed, ctx.err)
	}
	if len(payload) != t.payloadLen {
		return fmt.Errorf("%w: got %d bytes, want %d", base.ErrPayloadSize, len(payload), t.payloadLen)
	}
	if err := t.insertRoot(key, payload); err != nil {
		ctx.err = err
		return err
	}
	return nil
}

func (t *Tree[M]) insertRoot(key int32, payload []byte) error {
	ctx := t.ctx
	if ctx.root == 0 {
		leaf, err := t.allocNode(true)
		if err != nil {
			return err
		}
		insertEntry(leaf, 0, key, payload, 0)
		ctx.root = leaf.h
		ctx.sizeDelta++
		return nil
	}

	res, err := t.insert(ctx.root, key, payload)
	if err != nil {
		return err
	}
	if res.added {
		ctx.sizeDelta++
	}
	if res.right == 0 {
		ctx.root = res.h
		return nil
	}

	root, err := t.allocNode(false)
	if err != nil {
		return err
	}
	root.keys[0], root.children[0] = t.load(res.h).maxKey(), res.h
	root.keys[1], root.children[1] = t.load(res.right).maxKey(), res.right
	root.setCount(2)
	ctx.root = root.h
	return nil
}

func (t *Tree[M]) insert(h base.Handle, key int32, payload []byte) (insertResult, error) {
	n := t.load(h)
	i := n.search(key)

	if n.leaf() {
		if i < n.count() && n.keys[i] == key {
			if bytes.Equal(n.payloadAt(i), payload) {
				return insertResult{h: h}, nil
			}
			w, err := t.writable(n)
			if err != nil {
				return insertResult{}, err
			}
			copy(w.payloadAt(i), payload)
			return insertResult{h: w.h, changed: true}, nil
		}
		if n.count() < t.wide {
			w, err := t.writable(n)
			if err != nil {
				return insertResult{}, err
			}
			insertEntry(w, i, key, payload, 0)
			return insertResult{h: w.h, changed: true, added: true}, nil
		}
		total := t.fillScratch(n, i, key, payload, 0)
		left, right, err := t.split(n, total)
		if err != nil {
			return insertResult{}, err
		}
		return insertResult{h: left, right: right, changed: true, added: true}, nil
	}

	// Keys beyond the current maximum go to the last child.
	if i == n.count() {
		i--
	}
	child := n.children[i]
	res, err := t.insert(child, key, payload)
	if err != nil || !res.changed {
		return insertResult{h: h}, err
	}
	out := insertResult{changed: true, added: res.added}
	leftMax := t.load(res.h).maxKey()

	if res.right == 0 || n.count() < t.wide {
		w, err := t.writable(n)
		if err != nil {
			return insertResult{}, err
		}
		w.keys[i], w.children[i] = leftMax, res.h
		if res.right != 0 {
			insertEntry(w, i+1, t.load(res.right).maxKey(), nil, res.right)
		}
		out.h = w.h
		return out, nil
	}

	total := t.fillScratch(n, i+1, t.load(res.right).maxKey(), nil, res.right)
	t.scratch.keys[i], t.scratch.children[i] = leftMax, res.h
	out.h, out.right, err = t.split(n, total)
	if err != nil {
		return insertResult{}, err
	}
	return out, nil
}

// Remove deletes key. It reports false without error when key is absent.
func (t *Tree[M]) Remove(key int32) (bool, error) {
	ctx := t.ctx
	if ctx == nil {
		return false, base.ErrNoBatch
	}
	if ctx.err != nil {
		return false, fmt.Errorf("%w: %w", base.ErrBatchFailed, ctx.err)
	}
	removed, err := t.removeRoot(key)
	if err != nil {
		ctx.err = err
		return false, err
	}
	return removed, nil
}

func (t *Tree[M]) removeRoot(key int32) (bool, error) {
	ctx := t.ctx
	if ctx.root == 0 {
		return false, nil
	}
	res, err := t.remove(ctx.root, key)
	if err != nil || !res.removed {
		return false, err
	}
	ctx.sizeDelta--

	root := t.load(res.h)
	for !root.leaf() && root.count() == 1 {
		child := root.children[0]
		if err := t.dispose(root); err != nil {
			return false, err
		}
		root = t.load(child)
	}
	if root.leaf() && root.count() == 0 {
		if err := t.dispose(root); err != nil {
			return false, err
		}
		ctx.root = 0
		return true, nil
	}
	ctx.root = root.h
	return true, nil
}

func (t *Tree[M]) remove(h base.Handle, key int32) (removeResult, error) {
	n := t.load(h)
	i := n.search(key)
	if i == n.count() {
		return removeResult{h: h}, nil
	}

	if n.leaf() {
		if n.keys[i] != key {
			return removeResult{h: h}, nil
		}
		w, err := t.writable(n)
		if err != nil {
			return removeResult{}, err
		}
		removeEntry(w, i)
		return removeResult{h: w.h, removed: true}, nil
	}

	res, err := t.remove(n.children[i], key)
	if err != nil || !res.removed {
		return removeResult{h: h}, err
	}
	w, err := t.writable(n)
	if err != nil {
		return removeResult{}, err
	}
	c := t.load(res.h)
	w.children[i] = res.h
	w.keys[i] = c.maxKey()
	if c.count() < t.minFill {
		if err := t.rebalance(w, i); err != nil {
			return removeResult{}, err
		}
	}
	return removeResult{h: w.h, removed: true}, nil
}

// rebalance restores the fill of p.children[i], which holds minFill-1
// entries. p must be writable.
func (t *Tree[M]) rebalance(p node, i int) error {
	c, err := t.writable(t.load(p.children[i]))
	if err != nil {
		return err
	}
	p.children[i] = c.h
	cc := c.count()

	hasRight := i+1 < p.count()
	hasLeft := i > 0

	if hasRight {
		r := t.load(p.children[i+1])
		if r.count() > t.minFill {
			r, err = t.writable(r)
			if err != nil {
				return err
			}
			copyEntries(c, cc, r, 0, 1)
			c.setCount(cc + 1)
			removeEntry(r, 0)
			p.children[i+1] = r.h
			p.keys[i] = c.maxKey()
			return nil
		}
	}
	if hasLeft {
		l := t.load(p.children[i-1])
		if l.count() > t.minFill {
			l, err = t.writable(l)
			if err != nil {
				return err
			}
			lc := l.count()
			copyEntries(c, 1, c, 0, cc)
			copyEntries(c, 0, l, lc-1, 1)
			c.setCount(cc + 1)
			l.setCount(lc - 1)
			p.children[i-1] = l.h
			p.keys[i-1] = l.maxKey()
			return nil
		}
	}
	if hasRight {
		r := t.load(p.children[i+1])
		rc := r.count()
		copyEntries(c, cc, r, 0, rc)
		c.setCount(cc + rc)
		p.keys[i] = p.keys[i+1]
		removeEntry(p, i+1)
		return t.dispose(r)
	}
	if hasLeft {
		l, err := t.writable(t.load(p.children[i-1]))
		if err != nil {
			return err
		}
		lc := l.count()
		copyEntries(l, lc, c, 0, cc)
		l.setCount(lc + cc)
		p.children[i-1] = l.h
		p.keys[i-1] = p.keys[i]
		removeEntry(p, i)
		return t.dispose(c)
	}
	// Only child: the root collapse in removeRoot handles it.
	return nil
}

// EndForModify closes the open batch. A healthy batch is published with a
// single root store and its superseded nodes go to DelayFree. A failed batch
// frees everything it allocated and leaves the published version untouched.
func (t *Tree[M]) EndForModify() error {
	ctx := t.ctx
	if ctx == nil {
		return base.ErrNoBatch
	}
	t.ctx = nil

	if ctx.err != nil {
		t.rollback(ctx)
		t.logger.Warn("btree batch rolled back", "error", ctx.err, "typeTag", t.typeTag)
		return fmt.Errorf("%w: %w", base.ErrRolledBack, ctx.err)
	}

	for h := range ctx.allocated {
		(*header)(t.mem.Addr(h)).flags &^= flagFresh
	}
	size := int64(t.size.Load()) + ctx.sizeDelta
	t.root.Store(uint32(ctx.root))
	t.size.Store(uint32(size))

	var errs []error
	for _, r := range ctx.superseded {
		if err := t.mem.DelayFree(r.h, r.size, nil); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		t.logger.Error("btree superseded nodes leaked", "error", err, "count", len(errs))
		return err
	}

	if t.validate {
		return t.Validate()
	}
	return nil
}

// AbortModify discards the open batch as if it had failed.
func (t *Tree[M]) AbortModify() error {
	ctx := t.ctx
	if ctx == nil {
		return base.ErrNoBatch
	}
	t.ctx = nil
	t.rollback(ctx)
	return nil
}

func (t *Tree[M]) rollback(ctx *modifyContext) {
	for h, size := range ctx.allocated {
		if err := t.mem.Free(h, size); err != nil {
			t.logger.Error("btree rollback free failed", "handle", h, "error", err)
		}
	}
	ctx.allocated = nil
	ctx.superseded = nil
}

func (t *Tree[M]) allocNode(leaf bool) (node, error) {
	size, flags := t.internalSize, flagFresh
	if leaf {
		size, flags = t.leafSize, flagFresh|flagLeaf
	}
	h, err := t.mem.Alloc(size)
	if err != nil {
		return node{}, fmt.Errorf("allocate node: %w", err)
	}
	p := t.mem.Addr(h)
	*(*header)(p) = header{flags: flags}
	t.ctx.allocated[h] = size
	return view(p, h, t.wide, t.payloadLen), nil
}

// writable returns n itself if the batch created it, otherwise a clone that
// supersedes it.
func (t *Tree[M]) writable(n node) (node, error) {
	if n.fresh() {
		return n, nil
	}
	w, err := t.allocNode(n.leaf())
	if err != nil {
		return node{}, err
	}
	copyEntries(w, 0, n, 0, n.count())
	w.setCount(n.count())
	return w, t.dispose(n)
}

// dispose drops a node from the batch's tree. Nodes the batch created are
// freed at once; published ones wait for commit.
func (t *Tree[M]) dispose(n node) error {
	size := t.nodeSize(n)
	if !n.fresh() {
		t.ctx.superseded = append(t.ctx.superseded, retired{h: n.h, size: size})
		return nil
	}
	delete(t.ctx.allocated, n.h)
	return t.mem.Free(n.h, size)
}

// fillScratch copies n into the scratch buffers with a new entry opened at
// position i and returns the resulting entry count.
func (t *Tree[M]) fillScratch(n node, i int, key int32, payload []byte, child base.Handle) int {
	s := &t.scratch
	cnt := n.count()
	copy(s.keys, n.keys[:i])
	s.keys[i] = key
	copy(s.keys[i+1:], n.keys[i:cnt])
	if n.leaf() {
		if pl := t.payloadLen; pl > 0 {
			copy(s.payload, n.payload[:i*pl])
			copy(s.payload[i*pl:(i+1)*pl], payload)
			copy(s.payload[(i+1)*pl:], n.payload[i*pl:cnt*pl])
		}
	} else {
		copy(s.children, n.children[:i])
		s.children[i] = child
		copy(s.children[i+1:], n.children[i:cnt])
	}
	return cnt + 1
}

// split distributes total scratch entries over two new nodes of n's kind and
// disposes n. The left node takes the larger half.
func (t *Tree[M]) split(n node, total int) (base.Handle, base.Handle, error) {
	leftCnt := (total + 1) / 2
	left, err := t.allocNode(n.leaf())
	if err != nil {
		return 0, 0, err
	}
	right, err := t.allocNode(n.leaf())
	if err != nil {
		return 0, 0, err
	}
	t.fromScratch(left, 0, leftCnt)
	t.fromScratch(right, leftCnt, total-leftCnt)
	if err := t.dispose(n); err != nil {
		return 0, 0, err
	}
	return left.h, right.h, nil
}

func (t *Tree[M]) fromScratch(dst node, from, cnt int) {
	s := &t.scratch
	copy(dst.keys[:cnt], s.keys[from:from+cnt])
	if dst.children != nil {
		copy(dst.children[:cnt], s.children[from:from+cnt])
	} else if pl := t.payloadLen; pl > 0 {
		copy(dst.payload[:cnt*pl], s.payload[from*pl:(from+cnt)*pl])
	}
	dst.setCount(cnt)
}
