package ctxkeys

import "context"

// TraceIDKey 请求追踪ID在 context 中的键
type TraceIDKey struct{}

// WithTraceID 将追踪ID写入 context
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey{}, id)
}

// TraceID 从 context 中读取追踪ID，不存在时返回空串
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(TraceIDKey{}).(string)
	return id
}
