package btree

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/zilongwhu/agile-se-sub000/internal/arena"
	"github.com/zilongwhu/agile-se-sub000/internal/base"
)

const (
	// MinWide and MaxWide bound the branching factor. A node count is stored
	// in 16 bits and a merge of two minimal nodes must fit one node.
	MinWide = 4
	MaxWide = 1024

	// DefaultWide is the branching factor used when Config.Wide is zero.
	DefaultWide = 64

	// MaxHeight bounds the depth of any tree over 32-bit keys: with the
	// smallest branching factor every non-root node still holds two entries,
	// so a taller tree would need more than 2^32 keys.
	MaxHeight = 32
)

// Memory is the capability set the tree needs from its allocator. Addr must
// be safe to call concurrently with the writer; everything else is only
// called by the writer.
type Memory interface {
	Alloc(size int) (base.Handle, error)
	Addr(h base.Handle) unsafe.Pointer
	Free(h base.Handle, size int) error
	DelayFree(h base.Handle, size int, cleanup func()) error
}

// Registrar registers item sizes with an arena before it is initialized.
type Registrar interface {
	Register(size int) (arena.ClassID, error)
}

// Config holds construction-time tree parameters.
type Config struct {
	// Wide is the branching factor: the maximum number of entries per node.
	// Must be even.
	Wide int

	// PayloadLen is the fixed number of payload bytes stored inline with
	// every leaf key. Zero makes the tree an ordered set.
	PayloadLen int

	// TypeTag is opaque caller metadata.
	TypeTag uint32

	// Validate re-checks every structural invariant after each commit.
	Validate bool

	Logger base.Logger
}

// DefaultConfig returns a set-like tree configuration.
func DefaultConfig() Config {
	return Config{
		Wide:   DefaultWide,
		Logger: base.DiscardLogger{},
	}
}

func (c Config) normalize() (Config, error) {
	if c.Wide == 0 {
		c.Wide = DefaultWide
	}
	if c.Logger == nil {
		c.Logger = base.DiscardLogger{}
	}
	if c.Wide < MinWide || c.Wide > MaxWide || c.Wide%2 != 0 {
		return c, fmt.Errorf("%w: %d", base.ErrInvalidWide, c.Wide)
	}
	if c.PayloadLen < 0 || leafSize(c.Wide, c.PayloadLen) > arena.MaxPageSize {
		return c, fmt.Errorf("%w: %d bytes does not fit a node of %d entries", base.ErrPayloadSize, c.PayloadLen, c.Wide)
	}
	return c, nil
}

// RegisterClasses registers the leaf and internal node sizes for cfg. It must
// run before the arena is initialized. Sizes shared with other trees are not
// an error.
func RegisterClasses(r Registrar, cfg Config) error {
	cfg, err := cfg.normalize()
	if err != nil {
		return err
	}
	for _, size := range []int{leafSize(cfg.Wide, cfg.PayloadLen), internalSize(cfg.Wide)} {
		if _, err := r.Register(size); err != nil && !errors.Is(err, base.ErrDuplicateSize) {
			return fmt.Errorf("register node size %d: %w", size, err)
		}
	}
	return nil
}

// heightBound returns the tallest tree a branching factor allows over the
// 32-bit key space.
func heightBound(wide int) int {
	minFill := uint64((wide + 1) / 2)
	const keySpace = uint64(1) << 32

	// The smallest tree of height h+1 holds 2*minFill^h keys.
	h := 1
	keys := uint64(2)
	for {
		keys *= minFill
		if keys > keySpace {
			return h
		}
		h++
		if h >= MaxHeight {
			return MaxHeight
		}
	}
}
