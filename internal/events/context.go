package events

import (
	"context"
	"os"
	"sync"

	"github.com/google/uuid"
)

type contextKey int

const (
	loggerKey contextKey = iota
	machineIDKey
	syncIDKey
)

// FromContext extracts logger from context.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return defaultLogger
}

// WithLogger adds logger to context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithMachineID tags the context, and its logger, with the local machine.
func WithMachineID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("machine_id", id)
	ctx = context.WithValue(ctx, machineIDKey, id)
	return WithLogger(ctx, logger)
}

// WithSyncID tags the context with a fresh id for one sync cycle and
// returns the id.
func WithSyncID(ctx context.Context) (context.Context, string) {
	id := uuid.NewString()
	logger := FromContext(ctx).WithField("sync_id", id)
	ctx = context.WithValue(ctx, syncIDKey, id)
	return WithLogger(ctx, logger), id
}

// GetMachineID retrieves the machine id from context.
func GetMachineID(ctx context.Context) string {
	if id, ok := ctx.Value(machineIDKey).(string); ok {
		return id
	}
	return ""
}

// GetSyncID retrieves the sync cycle id from context.
func GetSyncID(ctx context.Context) string {
	if id, ok := ctx.Value(syncIDKey).(string); ok {
		return id
	}
	return ""
}

var defaultLogger = &Logger{
	mu:     &sync.Mutex{},
	level:  InfoLevel,
	format: "text",
	output: os.Stderr,
	fields: make(map[string]interface{}),
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	defaultLogger = logger
}
