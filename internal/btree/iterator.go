package btree

import (
	"github.com/zilongwhu/agile-se-sub000/internal/base"
)

// Exhausted is the key reported by an iterator past its last entry.
const Exhausted int32 = -1

// frame is one level of a root-to-leaf path.
type frame struct {
	h   base.Handle
	pos int
}

// Iterator walks the keys of one published version in ascending order. It
// pins the root it started from, so a later commit never shifts it onto a
// different version. It is not safe for concurrent use.
type Iterator[M Memory] struct {
	t      *Tree[M]
	root   base.Handle
	pinned bool
	batch  bool

	stack [MaxHeight]frame
	depth int // level of the current leaf, -1 when exhausted
	leaf  node
}

// Iterator returns an unpositioned iterator. Call Begin or Find before
// reading from it.
func (t *Tree[M]) Iterator() *Iterator[M] {
	return &Iterator[M]{t: t, depth: -1}
}

// BatchIterator returns an iterator over the candidate version of the open
// batch, or over the published version when no batch is open. It is only
// valid until the next Insert or Remove.
func (t *Tree[M]) BatchIterator() *Iterator[M] {
	return &Iterator[M]{t: t, depth: -1, batch: true}
}

func (it *Iterator[M]) current() base.Handle {
	if it.batch && it.t.ctx != nil {
		return it.t.ctx.root
	}
	return base.Handle(it.t.root.Load())
}

func (it *Iterator[M]) pin() {
	if !it.pinned {
		it.root = it.current()
		it.pinned = true
	}
}

// Begin repins the iterator to the current version and positions it at the
// smallest key.
func (it *Iterator[M]) Begin() {
	it.root = it.current()
	it.pinned = true
	if it.root == 0 {
		it.depth = -1
		return
	}
	it.stack[0] = frame{h: it.root}
	it.descendLeft(0)
}

// Find moves forward to the first key >= key by re-descending from the
// pinned root. It never moves backwards: an iterator already at or past key
// stays where it is, and an exhausted iterator stays exhausted.
func (it *Iterator[M]) Find(key int32) {
	if it.pinned && it.depth < 0 {
		return
	}
	it.pin()
	if it.depth >= 0 && it.Key() >= key {
		return
	}
	it.seekRoot(key)
}

// FindHop behaves like Find but first tries to stay local: it scans the
// current leaf, then climbs a third of the height and re-descends from there
// when that ancestor still covers key. It falls back to Find otherwise.
func (it *Iterator[M]) FindHop(key int32) {
	if it.depth < 0 || it.Key() >= key {
		it.Find(key)
		return
	}

	f := &it.stack[it.depth]
	if key <= it.leaf.maxKey() {
		f.pos = it.leaf.searchFrom(f.pos+1, key)
		return
	}

	up := max(1, (it.depth+1)/3)
	d := it.depth - up
	if d < 0 {
		it.seekRoot(key)
		return
	}
	af := &it.stack[d]
	n := it.t.load(af.h)
	i := n.searchFrom(af.pos, key)
	if i == n.count() {
		it.seekRoot(key)
		return
	}
	af.pos = i
	it.descendTo(d, key)
}

// Next advances to the following key, climbing to the parent at the end of
// a leaf.
func (it *Iterator[M]) Next() {
	if it.depth < 0 {
		return
	}
	f := &it.stack[it.depth]
	f.pos++
	if f.pos < it.leaf.count() {
		return
	}
	for d := it.depth - 1; d >= 0; d-- {
		p := &it.stack[d]
		p.pos++
		if p.pos < it.t.load(p.h).count() {
			it.descendLeft(d)
			return
		}
	}
	it.depth = -1
}

// Valid reports whether the iterator is positioned on an entry.
func (it *Iterator[M]) Valid() bool {
	return it.depth >= 0
}

// Key returns the current key, or Exhausted.
func (it *Iterator[M]) Key() int32 {
	if it.depth < 0 {
		return Exhausted
	}
	return it.leaf.keys[it.stack[it.depth].pos]
}

// Payload returns the current payload, or nil once exhausted. The slice
// aliases arena memory and must not be modified.
func (it *Iterator[M]) Payload() []byte {
	if it.depth < 0 {
		return nil
	}
	return it.leaf.payloadAt(it.stack[it.depth].pos)
}

func (it *Iterator[M]) seekRoot(key int32) {
	if it.root == 0 {
		it.depth = -1
		return
	}
	n := it.t.load(it.root)
	i := n.search(key)
	if i == n.count() {
		it.depth = -1
		return
	}
	it.stack[0] = frame{h: it.root, pos: i}
	it.descendTo(0, key)
}

// descendTo follows stack[d] down to the leaf holding the first key >= key.
// The entry at stack[d].pos must cover key.
func (it *Iterator[M]) descendTo(d int, key int32) {
	for {
		n := it.t.load(it.stack[d].h)
		if n.leaf() {
			it.depth, it.leaf = d, n
			return
		}
		child := it.t.load(n.children[it.stack[d].pos])
		d++
		it.stack[d] = frame{h: child.h, pos: child.search(key)}
	}
}

func (it *Iterator[M]) descendLeft(d int) {
	for {
		n := it.t.load(it.stack[d].h)
		if n.leaf() {
			it.depth, it.leaf = d, n
			return
		}
		child := n.children[it.stack[d].pos]
		d++
		it.stack[d] = frame{h: child}
	}
}
