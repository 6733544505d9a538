// Package agilese is an in-memory inverted index built on copy-on-write
// B+trees.
//
// Each term owns a posting tree keyed by document id. Trees live in a slab
// arena addressed by 32-bit handles, and memory replaced by a write is only
// reused after a grace period, so readers never take locks:
//
//	ix, err := agilese.Open(agilese.WithPayloadLen(4))
//	if err != nil {
//	    return err
//	}
//	defer ix.Close()
//
//	err = ix.Update(func(b *agilese.Batch) error {
//	    return b.Put("golang", 42, []byte{0, 0, 0, 1})
//	})
//
//	docs := ix.And("golang", "btree")
//
// The index never starts goroutines. Call Maintain periodically to advance
// the coarse clock and reclaim expired memory.
package agilese
