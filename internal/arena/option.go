package arena

import "github.com/zilongwhu/agile-se-sub000/internal/base"

type options struct {
	maxBlocks int
	heapPages bool
	logger    base.Logger
}

func defaultOptions() options {
	return options{
		maxBlocks: MaxBlocks,
		logger:    base.DiscardLogger{},
	}
}

// Option configures an Arena using the functional options pattern.
type Option func(*options)

// WithMaxBlocks caps the number of blocks a single size class may take from
// the global block table. Values below one are ignored.
func WithMaxBlocks(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBlocks = n
		}
	}
}

// WithHeapPages keeps every page on the Go heap instead of mapping large
// pages off-heap.
func WithHeapPages() Option {
	return func(o *options) {
		o.heapPages = true
	}
}

// WithLogger sets the logger used for geometry and exhaustion events.
func WithLogger(l base.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
