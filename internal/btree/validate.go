package btree

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/zilongwhu/agile-se-sub000/internal/base"
)

type checkFrame struct {
	h     base.Handle
	pos   int
	lower int64 // exclusive
	upper int64 // separator in the parent, MaxInt64 at the root
}

// Validate walks the published version and checks every structural
// invariant: fill bounds, strictly increasing keys, separators equal to
// their subtree maximum, uniform leaf depth, no leftover fresh flags and a
// key count matching Size.
func (t *Tree[M]) Validate() error {
	root := t.Root()
	if root == 0 {
		if size := t.Size(); size != 0 {
			return t.corrupt(nil, "empty tree reports size %d", size)
		}
		return nil
	}

	var stack [MaxHeight]checkFrame
	stack[0] = rootCheckFrame(root)
	depth, leafDepth, entries := 0, -1, 0
	for depth >= 0 {
		f := &stack[depth]
		n := t.load(f.h)
		if f.pos == 0 {
			if err := t.checkNode(n, depth, f.lower, f.upper); err != nil {
				return err
			}
			if n.leaf() {
				if leafDepth < 0 {
					leafDepth = depth
				} else if leafDepth != depth {
					return t.corrupt(nil, "leaf %d at depth %d, expected %d", f.h, depth, leafDepth)
				}
				entries += n.count()
				depth--
				continue
			}
		}
		if f.pos == n.count() {
			depth--
			continue
		}
		if depth+1 >= t.heightBound {
			return t.corrupt(nil, "tree deeper than %d levels", t.heightBound)
		}
		lower := f.lower
		if f.pos > 0 {
			lower = int64(n.keys[f.pos-1])
		}
		child := checkFrame{h: n.children[f.pos], lower: lower, upper: int64(n.keys[f.pos])}
		f.pos++
		depth++
		stack[depth] = child
	}
	if entries != t.Size() {
		return t.corrupt(nil, "tree holds %d keys, size reports %d", entries, t.Size())
	}
	return nil
}

func rootCheckFrame(root base.Handle) checkFrame {
	return checkFrame{h: root, lower: math.MinInt64, upper: math.MaxInt64}
}

func (t *Tree[M]) checkNode(n node, depth int, lower, upper int64) error {
	if n.fresh() {
		return t.corrupt(nil, "node %d still marked fresh", n.h)
	}
	cnt := n.count()
	lo := t.minFill
	if depth == 0 {
		lo = 1
		if !n.leaf() {
			lo = 2
		}
	}
	if cnt < lo || cnt > t.wide {
		return t.corrupt(nil, "node %d holds %d entries, want [%d, %d]", n.h, cnt, lo, t.wide)
	}
	prev := lower
	for i := 0; i < cnt; i++ {
		k := int64(n.keys[i])
		if k <= prev {
			return t.corrupt(nil, "node %d key %d at %d not above %d", n.h, k, i, prev)
		}
		prev = k
	}
	if depth > 0 && prev != upper {
		return t.corrupt(nil, "node %d max key %d differs from separator %d", n.h, prev, upper)
	}
	if !n.leaf() {
		for i := 0; i < cnt; i++ {
			if n.children[i] == 0 {
				return t.corrupt(nil, "node %d has null child at %d", n.h, i)
			}
		}
	}
	return nil
}

// CountNodes returns the number of leaf and internal nodes in the published
// version.
func (t *Tree[M]) CountNodes() (leaves, internals int) {
	root := t.Root()
	if root == 0 {
		return 0, 0
	}
	var stack [MaxHeight]frame
	stack[0] = frame{h: root}
	depth := 0
	for depth >= 0 {
		f := &stack[depth]
		n := t.load(f.h)
		if n.leaf() {
			leaves++
			depth--
			continue
		}
		if f.pos == 0 {
			internals++
		}
		if f.pos == n.count() || depth+1 >= MaxHeight {
			depth--
			continue
		}
		child := n.children[f.pos]
		f.pos++
		depth++
		stack[depth] = frame{h: child}
	}
	return leaves, internals
}

// Height returns the number of levels in the published version.
func (t *Tree[M]) Height() int {
	h := t.Root()
	height := 0
	for h != 0 {
		height++
		n := t.load(h)
		if n.leaf() {
			break
		}
		h = n.children[0]
	}
	return height
}

// Digest hashes every key and payload of the published version in order.
// Two trees with equal contents have equal digests regardless of shape.
func (t *Tree[M]) Digest() uint64 {
	d := xxhash.New()
	var buf [4]byte
	it := t.Iterator()
	for it.Begin(); it.Valid(); it.Next() {
		binary.LittleEndian.PutUint32(buf[:], uint32(it.Key()))
		_, _ = d.Write(buf[:])
		_, _ = d.Write(it.Payload())
	}
	return d.Sum64()
}

// PrintMeta writes a one-line summary of the published version.
func (t *Tree[M]) PrintMeta(w io.Writer) error {
	leaves, internals := t.CountNodes()
	_, err := fmt.Fprintf(w,
		"typeTag=%d wide=%d payloadLen=%d size=%d height=%d leaves=%d internals=%d bytes=%d\n",
		t.typeTag, t.wide, t.payloadLen, t.Size(), t.Height(), leaves, internals,
		leaves*t.leafSize+internals*t.internalSize)
	return err
}
