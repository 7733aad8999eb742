package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Tee returns a logger that writes every entry to all provided loggers' cores.
// The serve command uses it to log to the console and a JSON file at once.
func Tee(loggers ...*zap.Logger) *zap.Logger {
	cores := make([]zapcore.Core, 0, len(loggers))
	for _, l := range loggers {
		cores = append(cores, l.Core())
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}
