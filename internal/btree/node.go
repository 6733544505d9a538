package btree

import (
	"sort"
	"unsafe"

	"github.com/zilongwhu/agile-se-sub000/internal/base"
)

const searchThreshold = 16

const (
	flagLeaf  uint16 = 0x01
	flagFresh uint16 = 0x02 // allocated by the batch in progress
)

// header leads every node in arena memory.
//
// NODE LAYOUT:
// ┌──────────────────────────────────────────────┐
// │ header (8 bytes): flags, count               │
// ├──────────────────────────────────────────────┤
// │ keys [wide]int32                             │
// ├──────────────────────────────────────────────┤
// │ leaf:     payload [wide*payloadLen]byte      │
// │ internal: children [wide]Handle              │
// └──────────────────────────────────────────────┘
//
// In an internal node keys[i] is the largest key under children[i].
type header struct {
	flags uint16
	count uint16
	_     uint32
}

const headerSize = int(unsafe.Sizeof(header{}))

func leafSize(wide, payloadLen int) int {
	return headerSize + wide*4 + wide*payloadLen
}

func internalSize(wide int) int {
	return headerSize + wide*4 + wide*base.HandleSize
}

// node is a typed view over one node in arena memory. Views are cheap and
// never outlive the handle they were built from.
type node struct {
	h          base.Handle
	hdr        *header
	keys       []int32
	children   []base.Handle
	payload    []byte
	payloadLen int
}

func view(p unsafe.Pointer, h base.Handle, wide, payloadLen int) node {
	hdr := (*header)(p)
	n := node{
		h:          h,
		hdr:        hdr,
		keys:       unsafe.Slice((*int32)(unsafe.Add(p, headerSize)), wide),
		payloadLen: payloadLen,
	}
	rest := unsafe.Add(p, headerSize+wide*4)
	if hdr.flags&flagLeaf != 0 {
		if payloadLen > 0 {
			n.payload = unsafe.Slice((*byte)(rest), wide*payloadLen)
		}
	} else {
		n.children = unsafe.Slice((*base.Handle)(rest), wide)
	}
	return n
}

func (n node) leaf() bool {
	return n.hdr.flags&flagLeaf != 0
}

func (n node) fresh() bool {
	return n.hdr.flags&flagFresh != 0
}

func (n node) count() int {
	return int(n.hdr.count)
}

func (n node) setCount(c int) {
	n.hdr.count = uint16(c)
}

func (n node) maxKey() int32 {
	return n.keys[n.hdr.count-1]
}

func (n node) payloadAt(i int) []byte {
	start := i * n.payloadLen
	end := start + n.payloadLen
	if n.payload == nil {
		return nil
	}
	return n.payload[start:end:end]
}

// search returns the first position whose key is >= key, or count.
func (n node) search(key int32) int {
	cnt := n.count()
	if cnt < searchThreshold {
		i := 0
		for i < cnt && n.keys[i] < key {
			i++
		}
		return i
	}
	return sort.Search(cnt, func(i int) bool {
		return n.keys[i] >= key
	})
}

// searchFrom is search restricted to positions >= from.
func (n node) searchFrom(from int, key int32) int {
	cnt := n.count()
	if cnt-from < searchThreshold {
		i := from
		for i < cnt && n.keys[i] < key {
			i++
		}
		return i
	}
	return from + sort.Search(cnt-from, func(i int) bool {
		return n.keys[from+i] >= key
	})
}

// copyEntries copies cnt entries from src[si:] to dst[di:]. Both nodes must be
// of the same kind.
func copyEntries(dst node, di int, src node, si, cnt int) {
	copy(dst.keys[di:di+cnt], src.keys[si:si+cnt])
	if src.children != nil {
		copy(dst.children[di:di+cnt], src.children[si:si+cnt])
	} else if src.payload != nil {
		pl := src.payloadLen
		copy(dst.payload[di*pl:(di+cnt)*pl], src.payload[si*pl:(si+cnt)*pl])
	}
}

// insertEntry opens position i and stores the entry there. The node must
// have room.
func insertEntry(n node, i int, key int32, payload []byte, child base.Handle) {
	cnt := n.count()
	copyEntries(n, i+1, n, i, cnt-i)
	n.keys[i] = key
	if n.children != nil {
		n.children[i] = child
	} else if n.payload != nil {
		copy(n.payloadAt(i), payload)
	}
	n.setCount(cnt + 1)
}

// removeEntry closes position i.
func removeEntry(n node, i int) {
	cnt := n.count()
	copyEntries(n, i, n, i+1, cnt-i-1)
	n.setCount(cnt - 1)
}
