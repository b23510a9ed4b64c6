package stategraph

import (
	"context"
	"log/slog"

	"github.com/deepnoodle-ai/stategraph/events"
)

type ContextKey string

const (
	LoggerContextKey      ContextKey = "logger"
	ExecutionIDContextKey ContextKey = "execution_id"
	NodeNameContextKey    ContextKey = "node_name"
	SuperstepContextKey   ContextKey = "superstep"
	EventSinkContextKey   ContextKey = "event_sink"
)

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, ExecutionIDContextKey, executionID)
}

func WithNodeName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, NodeNameContextKey, name)
}

func WithSuperstep(ctx context.Context, superstep int) context.Context {
	return context.WithValue(ctx, SuperstepContextKey, superstep)
}

func GetLoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger)
	return logger, ok
}

func GetExecutionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ExecutionIDContextKey).(string)
	return id, ok
}

func GetNodeNameFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(NodeNameContextKey).(string)
	return name, ok
}

func GetSuperstepFromContext(ctx context.Context) (int, bool) {
	superstep, ok := ctx.Value(SuperstepContextKey).(int)
	return superstep, ok
}

// EventSink publishes an event on behalf of a running node. Nodes use it
// to stream incremental output while they execute.
type EventSink func(event *events.Event)

func WithEventSink(ctx context.Context, sink EventSink) context.Context {
	return context.WithValue(ctx, EventSinkContextKey, sink)
}

func GetEventSinkFromContext(ctx context.Context) (EventSink, bool) {
	sink, ok := ctx.Value(EventSinkContextKey).(EventSink)
	return sink, ok
}
