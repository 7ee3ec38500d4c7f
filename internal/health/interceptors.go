package health

import (
	"context"

	"github.com/google/uuid"
	"github.com/signalsfoundry/cognitive-radio-sim/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const requestIDMetadataKey = "x-request-id"

// RequestLoggerUnaryServerInterceptor attaches a per-request logger annotated
// with request_id and method to the context. The request ID comes from the
// x-request-id header when present.
func RequestLoggerUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		id := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			id = firstHeader(md, requestIDMetadataKey)
		}
		if id == "" {
			id = uuid.NewString()
		}

		method := ""
		if info != nil {
			method = info.FullMethod
		}
		reqLog := base.With(logging.String("request_id", id), logging.String("method", method))
		ctx = logging.ContextWithLogger(ctx, reqLog)

		resp, err := handler(ctx, req)
		if err != nil {
			reqLog.Debug(ctx, "rpc failed", logging.Err(err))
		}
		return resp, err
	}
}

func firstHeader(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
