package deferred

import "github.com/zilongwhu/agile-se-sub000/internal/base"

// DefaultGracePeriod is the number of seconds a freed handle stays untouched.
const DefaultGracePeriod = 5

type options struct {
	grace  int64
	logger base.Logger
}

func defaultOptions() options {
	return options{
		grace:  DefaultGracePeriod,
		logger: base.DiscardLogger{},
	}
}

// Option configures a Queue using the functional options pattern.
type Option func(*options)

// WithGracePeriod sets the reclamation delay in seconds. Zero disables
// deferral and frees immediately. Negative values are ignored.
func WithGracePeriod(sec int64) Option {
	return func(o *options) {
		if sec >= 0 {
			o.grace = sec
		}
	}
}

// WithLogger sets the logger used for reclamation failures.
func WithLogger(l base.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
