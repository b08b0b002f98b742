package logger

import "context"

type contextKey string

const TraceIDKey contextKey = "trace_id"
const TaskIDKey contextKey = "task_id"

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

func GetTraceID(ctx context.Context) string {
	if id, ok := ctx.Value(TraceIDKey).(string); ok {
		return id
	}
	return ""
}

func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TaskIDKey, id)
}

func GetTaskID(ctx context.Context) string {
	if id, ok := ctx.Value(TaskIDKey).(string); ok {
		return id
	}
	return ""
}
