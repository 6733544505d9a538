package agilese

import (
	"time"

	"github.com/zilongwhu/agile-se-sub000/internal/btree"
	"github.com/zilongwhu/agile-se-sub000/internal/deferred"
)

const (
	// DefaultMaxItems is the per-block slot budget of the arena.
	DefaultMaxItems = 1 << 16

	// DefaultCacheSize is the number of query results kept by default.
	DefaultCacheSize = 1024
)

// Options configures index behavior.
type Options struct {
	wide        int
	payloadLen  int
	gracePeriod time.Duration
	maxItems    uint64
	maxBlocks   int
	heapPages   bool
	validate    bool
	cacheSize   int // Number of cached query results. 0 disables the cache.
	logger      Logger
}

// DefaultOptions returns the configuration used by Open without options.
//
//goland:noinspection GoUnusedExportedFunction
func DefaultOptions() Options {
	return Options{
		wide:        btree.DefaultWide,
		gracePeriod: deferred.DefaultGracePeriod * time.Second,
		maxItems:    DefaultMaxItems,
		cacheSize:   DefaultCacheSize,
		logger:      DiscardLogger{},
	}
}

// Option configures index options using the functional options pattern.
type Option func(*Options)

// WithWide sets the branching factor of every posting tree. It must be even
// and within [btree.MinWide, btree.MaxWide].
func WithWide(wide int) Option {
	return func(opts *Options) {
		opts.wide = wide
	}
}

// WithPayloadLen sets the fixed number of payload bytes stored with every
// posting. Zero stores bare document ids.
func WithPayloadLen(n int) Option {
	return func(opts *Options) {
		opts.payloadLen = n
	}
}

// WithGracePeriod sets how long replaced tree nodes stay readable. It is
// rounded up to whole seconds. Zero frees memory as soon as it is replaced and
// is only safe without concurrent readers.
//
//goland:noinspection GoUnusedExportedFunction
func WithGracePeriod(d time.Duration) Option {
	return func(opts *Options) {
		if d >= 0 {
			opts.gracePeriod = d
		}
	}
}

// WithMaxItems sets the per-block slot budget of the arena.
func WithMaxItems(n uint64) Option {
	return func(opts *Options) {
		opts.maxItems = n
	}
}

// WithMaxBlocks caps the number of blocks each node size may use.
func WithMaxBlocks(n int) Option {
	return func(opts *Options) {
		opts.maxBlocks = n
	}
}

// WithHeapPages keeps all arena pages on the Go heap.
//
//goland:noinspection GoUnusedExportedFunction
func WithHeapPages() Option {
	return func(opts *Options) {
		opts.heapPages = true
	}
}

// WithValidate re-checks the structure of every posting tree after each
// commit. Expensive; meant for tests and debugging.
func WithValidate() Option {
	return func(opts *Options) {
		opts.validate = true
	}
}

// WithCacheSize sets the number of query results kept in memory. Zero
// disables result caching.
func WithCacheSize(n int) Option {
	return func(opts *Options) {
		if n >= 0 {
			opts.cacheSize = n
		}
	}
}

// WithLogger sets the logger shared by every component of the index.
func WithLogger(l Logger) Option {
	return func(opts *Options) {
		if l != nil {
			opts.logger = l
		}
	}
}
