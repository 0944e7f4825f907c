// internal/middleware/run_id.go
package middleware

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const (
	// RunIDHeader is the metadata key carrying the run ID on status RPCs
	RunIDHeader = "x-run-id"
)

// runIDKey is the context key for storing the run ID
type runIDKey struct{}

// NewRunID generates a fresh run ID.
func NewRunID() string {
	return uuid.New().String()
}

// WithRunID returns a copy of ctx carrying id.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey{}).(string); ok {
		return id
	}
	return ""
}

// UnaryRunIDInterceptor tags every status RPC with the current run ID, in
// the handler's context and in the response headers.
func UnaryRunIDInterceptor(runID string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		ctx = WithRunID(ctx, runID)

		// Headers may already be sent; the run ID stays in the context either way.
		_ = grpc.SetHeader(ctx, metadata.Pairs(RunIDHeader, runID))

		return handler(ctx, req)
	}
}
