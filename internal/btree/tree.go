// Package btree implements a copy-on-write B+tree over arena handles.
//
// One writer mutates the tree in batches bracketed by InitForModify and
// EndForModify. A batch never touches a node reachable from the published
// root: every node on a modified path is cloned first, and the clones become
// visible together through a single atomic root store on commit. Readers
// (Seek, Iterator) load the root once and walk immutable nodes, so they need
// no locks. Nodes replaced by a commit are handed to the allocator's
// DelayFree and stay readable for the grace period.
package btree

import (
	"fmt"
	"sync/atomic"

	"github.com/zilongwhu/agile-se-sub000/internal/base"
)

// Tree is an ordered map from int32 keys to fixed-length payloads.
type Tree[M Memory] struct {
	mem M

	wide         int
	minFill      int
	payloadLen   int
	leafSize     int
	internalSize int
	typeTag      uint32
	validate     bool
	heightBound  int
	logger       base.Logger

	root atomic.Uint32
	size atomic.Uint32

	ctx     *modifyContext
	scratch scratch
}

// scratch holds wide+1 entries while a full node is split.
type scratch struct {
	keys     []int32
	children []base.Handle
	payload  []byte
}

// New creates an empty tree. The node sizes for cfg must have been
// registered with the arena behind mem (see RegisterClasses).
func New[M Memory](mem M, cfg Config) (*Tree[M], error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	t := &Tree[M]{
		mem:          mem,
		wide:         cfg.Wide,
		minFill:      (cfg.Wide + 1) / 2,
		payloadLen:   cfg.PayloadLen,
		leafSize:     leafSize(cfg.Wide, cfg.PayloadLen),
		internalSize: internalSize(cfg.Wide),
		typeTag:      cfg.TypeTag,
		validate:     cfg.Validate,
		heightBound:  heightBound(cfg.Wide),
		logger:       cfg.Logger,
		scratch: scratch{
			keys:     make([]int32, cfg.Wide+1),
			children: make([]base.Handle, cfg.Wide+1),
			payload:  make([]byte, (cfg.Wide+1)*cfg.PayloadLen),
		},
	}
	return t, nil
}

// Size returns the number of keys in the published version.
func (t *Tree[M]) Size() int {
	return int(t.size.Load())
}

// Empty reports whether the published version holds no keys.
func (t *Tree[M]) Empty() bool {
	return t.root.Load() == 0
}

// PayloadLen returns the fixed payload length.
func (t *Tree[M]) PayloadLen() int {
	return t.payloadLen
}

// Wide returns the branching factor.
func (t *Tree[M]) Wide() int {
	return t.wide
}

// TypeTag returns the caller metadata given at construction.
func (t *Tree[M]) TypeTag() uint32 {
	return t.typeTag
}

// Root returns the published root handle, 0 for an empty tree.
func (t *Tree[M]) Root() base.Handle {
	return base.Handle(t.root.Load())
}

func (t *Tree[M]) load(h base.Handle) node {
	return view(t.mem.Addr(h), h, t.wide, t.payloadLen)
}

func (t *Tree[M]) nodeSize(n node) int {
	if n.leaf() {
		return t.leafSize
	}
	return t.internalSize
}

// Seek returns the payload stored under key in the published version. The
// returned slice aliases arena memory: it stays valid for the grace period
// and must not be modified.
func (t *Tree[M]) Seek(key int32) ([]byte, bool) {
	h := base.Handle(t.root.Load())
	for h != 0 {
		n := t.load(h)
		i := n.search(key)
		if i == n.count() {
			return nil, false
		}
		if n.leaf() {
			if n.keys[i] != key {
				return nil, false
			}
			return n.payloadAt(i), true
		}
		h = n.children[i]
	}
	return nil, false
}

// Contains reports whether key is present in the published version.
func (t *Tree[M]) Contains(key int32) bool {
	_, ok := t.Seek(key)
	return ok
}

// Destroy hands every node of the published version to DelayFree and leaves
// the tree empty. Readers already inside the tree stay safe for the grace
// period.
func (t *Tree[M]) Destroy() error {
	if t.ctx != nil {
		return base.ErrBatchInProgress
	}
	root := base.Handle(t.root.Load())
	t.root.Store(0)
	t.size.Store(0)
	if root == 0 {
		return nil
	}

	var stack [MaxHeight]frame
	depth := 0
	stack[0] = frame{h: root}
	var firstErr error
	for depth >= 0 {
		f := &stack[depth]
		n := t.load(f.h)
		if t.validate && f.pos == 0 && n.fresh() {
			firstErr = t.corrupt(firstErr, "destroy reached fresh node %d", f.h)
		}
		if !n.leaf() && f.pos < n.count() {
			child := n.children[f.pos]
			f.pos++
			if depth+1 >= MaxHeight {
				firstErr = t.corrupt(firstErr, "tree deeper than %d levels", MaxHeight)
				continue
			}
			depth++
			stack[depth] = frame{h: child}
			continue
		}
		if err := t.mem.DelayFree(f.h, t.nodeSize(n), nil); err != nil && firstErr == nil {
			firstErr = err
		}
		depth--
	}
	return firstErr
}

func (t *Tree[M]) corrupt(prev error, format string, args ...any) error {
	err := fmt.Errorf("%w: "+format, append([]any{base.ErrStructuralCorruption}, args...)...)
	t.logger.Error("btree structural corruption", "error", err, "typeTag", t.typeTag)
	if prev != nil {
		return prev
	}
	return err
}
