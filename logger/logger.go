// Package logger provides adapters for popular logger libraries to work with
// agilese's Logger interface.
//
// The standard library's slog.Logger already implements agilese.Logger
// directly.
//
// Example with zap:
//
//	zapLogger, _ := zap.NewProduction()
//	ix, err := agilese.Open(agilese.WithLogger(logger.NewZap(zapLogger)))
//	if err != nil {
//	    panic(err)
//	}
//	defer ix.Close()
package logger
