package base

// Handle is an opaque reference to arena-managed memory. The zero handle is
// null for every size class.
type Handle uint32

// HandleSize is the in-memory width of a Handle.
const HandleSize = 4

// Logger interface matches the implementation of slog.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

// DiscardLogger is the default logger that compiles to a no-op
type DiscardLogger struct{}

func (d DiscardLogger) Error(string, ...any) {}

func (d DiscardLogger) Warn(string, ...any) {}

func (d DiscardLogger) Info(string, ...any) {}
