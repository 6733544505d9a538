package logger

import (
	"fmt"

	"github.com/sirupsen/logrus"

	agilese "github.com/zilongwhu/agile-se-sub000"
)

// Logrus wraps a logrus.Logger to implement agilese.Logger.
type Logrus struct {
	logger *logrus.Logger
}

// NewLogrus creates an agilese.Logger from a logrus.Logger.
func NewLogrus(logger *logrus.Logger) agilese.Logger {
	return &Logrus{logger: logger}
}

// Error logs an error message with key-value pairs.
func (l *Logrus) Error(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Error(msg)
}

// Warn logs a warning message with key-value pairs.
func (l *Logrus) Warn(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Warn(msg)
}

// Info logs an info message with key-value pairs.
func (l *Logrus) Info(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Info(msg)
}

// argsToFields pairs up slog-style arguments. A key that is not a string is
// formatted; a trailing key without a value is kept with a nil value.
func argsToFields(args []any) logrus.Fields {
	fields := make(logrus.Fields, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if i+1 < len(args) {
			fields[key] = args[i+1]
		} else {
			fields[key] = nil
		}
	}
	return fields
}
