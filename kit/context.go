package kit

import "context"

type contextKey string

const (
	TransportKey contextKey = "kit_transport" // "http", "mcp"
	RequestIDKey contextKey = "kit_request_id"
	DatasetKey   contextKey = "kit_dataset"
)

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

// WithDataset records the dataset a request addresses, for logs.
func WithDataset(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, DatasetKey, name)
}
func GetDataset(ctx context.Context) string {
	v, _ := ctx.Value(DatasetKey).(string)
	return v
}
