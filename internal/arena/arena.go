// Package arena provides a size-class slab allocator addressed by opaque
// 32-bit handles.
//
// # Handles
//
// Every registered item size owns a size class. Memory for a class is carved
// from blocks taken out of one global block table; each block is split into
// pages and each page into fixed-size slots. A handle packs the position of a
// slot as
//
//	handle = ((block << itemBits) | (page << offsetBits) | offset) + 1
//
// where itemBits is global (derived from Init's maxItems) and offsetBits is
// chosen per class so a page never exceeds MaxPageSize. Handle 0 is null for
// every class. A handle decodes to the same memory until it is freed.
//
// # Concurrency Model
//
// Register, Init, Alloc, Free and Close are single-writer operations. Addr
// and Bytes may be called from any number of goroutines concurrently with the
// writer, provided the handle was published to the reader after allocation.
// Free does not protect readers: memory returned by Free may be handed out
// again by the next Alloc. Use the deferred package to delay reuse.
package arena

import (
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/zilongwhu/agile-se-sub000/internal/base"
)

const (
	// MinItemSize is the smallest registrable item; a freed slot stores the
	// next free handle in its first bytes.
	MinItemSize = base.HandleSize

	// MaxPageSize bounds the bytes of one page and therefore the largest
	// registrable item.
	MaxPageSize = 1 << 20

	// MaxItemBits bounds the per-block slot budget. At least two bits always
	// remain for the block index.
	MaxItemBits = 30

	// MaxBlocks is the size of the global block table.
	MaxBlocks = 1 << 16

	// maxPageBits caps the page table of one block. A class whose geometry
	// asks for more pages carves only 1<<(offsetBits+maxPageBits) slots per
	// block; handle layout is unchanged.
	maxPageBits = 12
	slotAlign   = 8
)

// ClassID identifies a registered size class.
type ClassID int

type class struct {
	id         ClassID
	size       int
	stride     int
	offsetBits uint
	pageBits   uint
	blockSlots uint32 // slots this class carves from one block

	blocks []uint32    // global block indices, in carve order
	cursor uint32      // next never-used slot in the last block
	free   base.Handle // intrusive free-list head

	inUse     int
	freeSlots int
	pages     int
}

type page struct {
	data []byte
}

type block struct {
	cls        *class
	stride     int
	offsetBits uint
	offsetMask uint32
	pages      []atomic.Pointer[page]
}

// Arena is a slab allocator of fixed-size items.
type Arena struct {
	opts options

	classes []*class
	bySize  map[int]*class

	initialized bool
	itemBits    uint
	itemMask    uint32
	blockBits   uint

	table   []atomic.Pointer[block]
	nblocks int

	mapped [][]byte
}

// New creates an arena. Sizes must be registered before Init.
func New(opts ...Option) *Arena {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Arena{
		opts:   o,
		bySize: make(map[int]*class),
	}
}

// Register adds a size class for items of size bytes. Registering the same
// size twice returns the existing class together with ErrDuplicateSize.
func (a *Arena) Register(size int) (ClassID, error) {
	if a.initialized {
		return 0, base.ErrInitialized
	}
	if size < MinItemSize || size > MaxPageSize {
		return 0, fmt.Errorf("%w: %d bytes (allowed %d..%d)", base.ErrInvalidSize, size, MinItemSize, MaxPageSize)
	}
	if c, ok := a.bySize[size]; ok {
		return c.id, base.ErrDuplicateSize
	}

	c := &class{
		id:     ClassID(len(a.classes)),
		size:   size,
		stride: (size + slotAlign - 1) &^ (slotAlign - 1),
	}
	a.classes = append(a.classes, c)
	a.bySize[size] = c
	return c.id, nil
}

// Init fixes the handle geometry. maxItems sizes one block: the global item
// bit-width is floor(log2(maxItems)) with a minimum of one bit.
func (a *Arena) Init(maxItems uint64) error {
	if a.initialized {
		return base.ErrInitialized
	}
	if len(a.classes) == 0 {
		return base.ErrNoSizeClasses
	}
	itemBits, err := ItemBits(maxItems)
	if err != nil {
		return err
	}

	a.itemBits = itemBits
	a.itemMask = uint32(1)<<itemBits - 1
	a.blockBits = 32 - itemBits

	tableLen := MaxBlocks
	if budget := 1 << a.blockBits; budget < tableLen {
		tableLen = budget
	}
	a.table = make([]atomic.Pointer[block], tableLen)

	for _, c := range a.classes {
		c.offsetBits, c.pageBits = geometry(itemBits, c.stride)
		usable := c.pageBits
		if usable > maxPageBits {
			usable = maxPageBits
		}
		c.blockSlots = uint32(1) << (c.offsetBits + usable)
	}
	a.initialized = true

	a.opts.logger.Info("arena initialized",
		"classes", len(a.classes),
		"itemBits", a.itemBits,
		"blockBits", a.blockBits,
		"blockTable", tableLen)
	return nil
}

// ItemBits applies the capacity rounding rule: floor(log2(maxItems)), at least
// one bit and at most MaxItemBits.
func ItemBits(maxItems uint64) (uint, error) {
	if maxItems == 0 {
		return 0, fmt.Errorf("%w: 0", base.ErrInvalidCapacity)
	}
	b := uint(bits.Len64(maxItems) - 1)
	if b < 1 {
		b = 1
	}
	if b > MaxItemBits {
		return 0, fmt.Errorf("%w: %d needs %d item bits (max %d)", base.ErrInvalidCapacity, maxItems, b, MaxItemBits)
	}
	return b, nil
}

// geometry splits itemBits into offset and page bits for one stride.
func geometry(itemBits uint, stride int) (offsetBits, pageBits uint) {
	perPage := MaxPageSize / stride
	offsetBits = uint(bits.Len(uint(perPage)) - 1)
	if offsetBits > itemBits {
		offsetBits = itemBits
	}
	return offsetBits, itemBits - offsetBits
}

// Alloc returns a handle to an item of a registered size. The item memory is
// zeroed.
func (a *Arena) Alloc(size int) (base.Handle, error) {
	if !a.initialized {
		return 0, base.ErrNotInitialized
	}
	c, ok := a.bySize[size]
	if !ok {
		return 0, fmt.Errorf("%w: %d bytes", base.ErrInvalidSizeClass, size)
	}

	if h := c.free; h != 0 {
		slot := a.Bytes(h)
		c.free = *(*base.Handle)(unsafe.Pointer(&slot[0]))
		clear(slot[:c.stride])
		c.freeSlots--
		c.inUse++
		return h, nil
	}

	if len(c.blocks) == 0 || c.cursor == c.blockSlots {
		if err := a.growClass(c); err != nil {
			return 0, err
		}
	}

	bi := c.blocks[len(c.blocks)-1]
	blk := a.table[bi].Load()
	slot := c.cursor
	pg := slot >> c.offsetBits
	if blk.pages[pg].Load() == nil {
		data, err := a.allocPage(c.stride << c.offsetBits)
		if err != nil {
			a.opts.logger.Warn("arena page allocation failed", "size", size, "error", err)
			return 0, fmt.Errorf("%w: %w", base.ErrAllocationExhausted, err)
		}
		blk.pages[pg].Store(&page{data: data})
		c.pages++
	}

	idx := uint64(bi)<<a.itemBits | uint64(slot)
	if idx+1 > math.MaxUint32 {
		return 0, a.exhausted(c)
	}
	c.cursor++
	c.inUse++
	return base.Handle(idx + 1), nil
}

func (a *Arena) growClass(c *class) error {
	if len(c.blocks) >= a.opts.maxBlocks || a.nblocks >= len(a.table) {
		return a.exhausted(c)
	}
	bi := uint32(a.nblocks)
	blk := &block{
		cls:        c,
		stride:     c.stride,
		offsetBits: c.offsetBits,
		offsetMask: uint32(1)<<c.offsetBits - 1,
		pages:      make([]atomic.Pointer[page], c.blockSlots>>c.offsetBits),
	}
	a.table[bi].Store(blk)
	a.nblocks++
	c.blocks = append(c.blocks, bi)
	c.cursor = 0
	return nil
}

func (a *Arena) exhausted(c *class) error {
	a.opts.logger.Warn("arena size class exhausted",
		"size", c.size,
		"blocks", len(c.blocks),
		"inUse", c.inUse)
	return fmt.Errorf("%w: size %d after %d blocks", base.ErrAllocationExhausted, c.size, len(c.blocks))
}

// Addr decodes a handle. It returns nil for the null handle and for handles
// outside any allocated page.
func (a *Arena) Addr(h base.Handle) unsafe.Pointer {
	blk, off := a.locate(h)
	if blk == nil {
		return nil
	}
	pg := blk.pages[off>>blk.offsetBits].Load()
	if pg == nil {
		return nil
	}
	return unsafe.Pointer(&pg.data[int(off&blk.offsetMask)*blk.stride])
}

// Bytes returns the slot memory behind h, or nil. The slice length is the
// slot stride, which is the registered size rounded up to 8 bytes.
func (a *Arena) Bytes(h base.Handle) []byte {
	blk, off := a.locate(h)
	if blk == nil {
		return nil
	}
	pg := blk.pages[off>>blk.offsetBits].Load()
	if pg == nil {
		return nil
	}
	start := int(off&blk.offsetMask) * blk.stride
	return pg.data[start : start+blk.stride : start+blk.stride]
}

func (a *Arena) locate(h base.Handle) (*block, uint32) {
	if h == 0 || a.table == nil {
		return nil, 0
	}
	idx := uint32(h - 1)
	bi := idx >> a.itemBits
	if int(bi) >= len(a.table) {
		return nil, 0
	}
	blk := a.table[bi].Load()
	if blk == nil {
		return nil, 0
	}
	local := idx & a.itemMask
	if int(local>>blk.offsetBits) >= len(blk.pages) {
		return nil, 0
	}
	return blk, local
}

// Free returns h to its size class. Callers must guarantee no reader can
// still reach h.
func (a *Arena) Free(h base.Handle, size int) error {
	c, ok := a.bySize[size]
	if !ok {
		return fmt.Errorf("%w: %d bytes", base.ErrInvalidSizeClass, size)
	}
	blk, _ := a.locate(h)
	if blk == nil || blk.cls != c {
		return fmt.Errorf("%w: %d for size %d", base.ErrInvalidHandle, h, size)
	}
	slot := a.Bytes(h)
	if slot == nil {
		return fmt.Errorf("%w: %d has no backing page", base.ErrInvalidHandle, h)
	}
	*(*base.Handle)(unsafe.Pointer(&slot[0])) = c.free
	c.free = h
	c.inUse--
	c.freeSlots++
	return nil
}

// Stride returns the slot width used for items of size, or 0 if size is not
// registered.
func (a *Arena) Stride(size int) int {
	if c, ok := a.bySize[size]; ok {
		return c.stride
	}
	return 0
}

// Initialized reports whether Init succeeded.
func (a *Arena) Initialized() bool {
	return a.initialized
}

// ClassStats describes one size class.
type ClassStats struct {
	ID         ClassID
	Size       int
	Stride     int
	OffsetBits uint
	PageBits   uint
	BlockSlots int
	InUse      int
	Free       int
	Blocks     int
	Pages      int
	Bytes      int64
}

// Stats returns a snapshot of every size class.
func (a *Arena) Stats() []ClassStats {
	out := make([]ClassStats, 0, len(a.classes))
	for _, c := range a.classes {
		out = append(out, ClassStats{
			ID:         c.id,
			Size:       c.size,
			Stride:     c.stride,
			OffsetBits: c.offsetBits,
			PageBits:   c.pageBits,
			BlockSlots: int(c.blockSlots),
			InUse:      c.inUse,
			Free:       c.freeSlots,
			Blocks:     len(c.blocks),
			Pages:      c.pages,
			Bytes:      int64(c.pages) * int64(c.stride<<c.offsetBits),
		})
	}
	return out
}

// Close releases all page memory. Every handle becomes invalid.
func (a *Arena) Close() error {
	for i := range a.table {
		a.table[i].Store(nil)
	}
	var firstErr error
	for _, m := range a.mapped {
		if err := releasePage(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.mapped = nil
	a.nblocks = 0
	for _, c := range a.classes {
		c.blocks = nil
		c.cursor = 0
		c.free = 0
		c.inUse = 0
		c.freeSlots = 0
		c.pages = 0
	}
	return firstErr
}

func (a *Arena) allocPage(n int) ([]byte, error) {
	if a.opts.heapPages || n < mmapThreshold {
		return make([]byte, n), nil
	}
	data, err := mapPage(n)
	if err != nil {
		return nil, err
	}
	a.mapped = append(a.mapped, data)
	return data, nil
}
