package agilese

import (
	"errors"
	"fmt"
)

// Batch collects the changes of one Update call. It is only valid inside
// the function passed to Update.
type Batch struct {
	ix      *Index
	touched map[string]*postingTree // trees with an open modify batch
	err     error
}

// Put posts doc under term with payload, replacing any payload already
// stored. A payload of the wrong length is refused without failing the
// batch; any other error fails the whole batch.
func (b *Batch) Put(term string, doc int32, payload []byte) error {
	if err := b.check(term, doc); err != nil {
		return err
	}
	t, err := b.open(term, true)
	if err != nil {
		b.err = err
		return err
	}
	if err := t.Insert(doc, payload); err != nil {
		if !errors.Is(err, ErrPayloadSize) {
			b.err = err
		}
		return fmt.Errorf("put %q/%d: %w", term, doc, err)
	}
	return nil
}

// Delete removes doc from term. It reports whether the posting existed.
func (b *Batch) Delete(term string, doc int32) (bool, error) {
	if err := b.check(term, doc); err != nil {
		return false, err
	}
	t, err := b.open(term, false)
	if err != nil {
		b.err = err
		return false, err
	}
	if t == nil {
		return false, nil
	}
	ok, err := t.Remove(doc)
	if err != nil {
		b.err = err
		return false, fmt.Errorf("delete %q/%d: %w", term, doc, err)
	}
	return ok, nil
}

// DeleteTerm removes every posting of term.
func (b *Batch) DeleteTerm(term string) (int, error) {
	if err := b.check(term, 0); err != nil {
		return 0, err
	}
	t, err := b.open(term, false)
	if err != nil {
		b.err = err
		return 0, err
	}
	if t == nil {
		return 0, nil
	}

	var docs []int32
	it := t.BatchIterator()
	for it.Begin(); it.Valid(); it.Next() {
		docs = append(docs, it.Key())
	}
	for _, doc := range docs {
		if _, err := t.Remove(doc); err != nil {
			b.err = err
			return 0, fmt.Errorf("delete term %q: %w", term, err)
		}
	}
	return len(docs), nil
}

func (b *Batch) check(term string, doc int32) error {
	switch {
	case b.err != nil:
		return fmt.Errorf("%w: %w", ErrBatchFailed, b.err)
	case term == "":
		return ErrEmptyTerm
	case doc < 0:
		return fmt.Errorf("%w: %d", ErrInvalidDocID, doc)
	}
	return nil
}

// open returns the tree of term with a modify batch in progress. Without
// create, a term that has no tree yields nil.
func (b *Batch) open(term string, create bool) (*postingTree, error) {
	if t, ok := b.touched[term]; ok {
		return t, nil
	}
	t := b.ix.tree(term)
	if t == nil {
		if !create {
			return nil, nil
		}
		var err error
		if t, err = newPostingTree(b.ix); err != nil {
			return nil, err
		}
	}
	if err := t.InitForModify(); err != nil {
		return nil, err
	}
	b.touched[term] = t
	return t, nil
}

func (b *Batch) abort(cause error) {
	for term, t := range b.touched {
		if err := t.AbortModify(); err != nil {
			b.ix.opts.logger.Error("abort posting tree batch", "term", term, "error", err)
		}
	}
	b.ix.opts.logger.Warn("index batch rolled back", "terms", len(b.touched), "error", cause)
}

// commit publishes every touched tree, then the term set.
func (b *Batch) commit() error {
	b.ix.publishSeq.Add(1)
	defer b.ix.publishSeq.Add(1)

	added := make(map[string]*postingTree)
	var dropped []string
	var errs []error
	for term, t := range b.touched {
		if err := t.EndForModify(); err != nil {
			errs = append(errs, fmt.Errorf("commit %q: %w", term, err))
		}
		published := b.ix.tree(term) != nil
		switch {
		case !published && !t.Empty():
			added[term] = t
		case published && t.Empty():
			dropped = append(dropped, term)
		}
	}
	b.ix.publish(added, dropped)
	if len(b.touched) > 0 {
		b.ix.generation.Add(1)
	}
	return errors.Join(errs...)
}
