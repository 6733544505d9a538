package agilese

import (
	"math"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cespare/xxhash/v2"
)

type queryOp byte

const (
	opAnd queryOp = iota + 1
	opOr
	opAndNot
)

// And returns the documents posted under every term. The result belongs to
// the caller.
func (ix *Index) And(terms ...string) *roaring.Bitmap {
	terms = normalize(terms)
	return ix.cached(sign(opAnd, terms, nil), func() *roaring.Bitmap {
		return ix.and(terms)
	})
}

// Or returns the documents posted under any term. The result belongs to the
// caller.
func (ix *Index) Or(terms ...string) *roaring.Bitmap {
	terms = normalize(terms)
	return ix.cached(sign(opOr, terms, nil), func() *roaring.Bitmap {
		return ix.or(terms)
	})
}

// AndNot returns the documents posted under every include term and under no
// exclude term. The result belongs to the caller.
func (ix *Index) AndNot(include, exclude []string) *roaring.Bitmap {
	include, exclude = normalize(include), normalize(exclude)
	return ix.cached(sign(opAndNot, include, exclude), func() *roaring.Bitmap {
		bm := ix.and(include)
		if !bm.IsEmpty() && len(exclude) > 0 {
			bm.AndNot(ix.or(exclude))
		}
		return bm
	})
}

func (ix *Index) cached(s uint64, compute func() *roaring.Bitmap) *roaring.Bitmap {
	if ix.closed.Load() {
		return roaring.New()
	}
	seq := ix.publishSeq.Load()
	key := queryKey{sign: s, generation: ix.generation.Load()}
	if bm, ok := ix.cache.get(key); ok {
		return bm.Clone()
	}
	bm := compute()
	if seq&1 == 1 || ix.publishSeq.Load() != seq {
		// A commit overlapped the query, so bm may mix tree versions and
		// belongs to no single generation.
		return bm
	}
	bm.RunOptimize()
	ix.cache.add(key, bm)
	return bm.Clone()
}

// and intersects posting lists by leapfrogging: every iterator skips forward
// to the largest key seen so far until all of them agree.
func (ix *Index) and(terms []string) *roaring.Bitmap {
	out := roaring.New()
	if len(terms) == 0 {
		return out
	}
	trees := make([]*postingTree, 0, len(terms))
	for _, term := range terms {
		t := ix.tree(term)
		if t == nil || t.Empty() {
			return out
		}
		trees = append(trees, t)
	}
	// Shortest list first drives the fewest probes.
	slices.SortFunc(trees, func(a, b *postingTree) int {
		return a.Size() - b.Size()
	})

	its := make([]*postingIterator, len(trees))
	for i, t := range trees {
		its[i] = t.Iterator()
		its[i].Begin()
		if !its[i].Valid() {
			return out
		}
	}

	target := its[0].Key()
	for {
		agreed := true
		for _, it := range its {
			it.FindHop(target)
			if !it.Valid() {
				return out
			}
			if k := it.Key(); k != target {
				target, agreed = k, false
				break
			}
		}
		if !agreed {
			continue
		}
		out.Add(uint32(target))
		if target == math.MaxInt32 {
			return out
		}
		target++
	}
}

func (ix *Index) or(terms []string) *roaring.Bitmap {
	bms := make([]*roaring.Bitmap, 0, len(terms))
	for _, term := range terms {
		t := ix.tree(term)
		if t == nil {
			continue
		}
		bm := roaring.New()
		it := t.Iterator()
		for it.Begin(); it.Valid(); it.Next() {
			bm.Add(uint32(it.Key()))
		}
		bms = append(bms, bm)
	}
	if len(bms) == 0 {
		return roaring.New()
	}
	return roaring.FastOr(bms...)
}

func normalize(terms []string) []string {
	terms = slices.Clone(terms)
	slices.Sort(terms)
	return slices.Compact(terms)
}

func sign(op queryOp, include, exclude []string) uint64 {
	d := xxhash.New()
	_, _ = d.Write([]byte{byte(op)})
	for _, term := range include {
		_, _ = d.WriteString(term)
		_, _ = d.Write([]byte{0})
	}
	_, _ = d.Write([]byte{0xff})
	for _, term := range exclude {
		_, _ = d.WriteString(term)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}
