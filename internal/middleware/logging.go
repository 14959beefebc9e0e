package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RequestIDHeader carries a caller-supplied request ID. Values that are not
// short printable tokens are replaced with a generated UUID.
const RequestIDHeader = "X-Request-ID"

const (
	maxRequestIDLength = 64
	grpcRequestIDKey   = "x-request-id"
	grpcHealthPrefix   = "/grpc.health.v1.Health/"
)

// Health and scrape endpoints are logged at debug so they do not drown real traffic.
var quietHTTPPaths = map[string]struct{}{
	"/healthz": {},
	"/metrics": {},
}

type logContextKey string

const (
	requestIDKey logContextKey = "request_id"
	loggerKey    logContextKey = "logger"
)

// RequestIDFromContext retrieves the request ID from the context.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

// LoggerFromContext retrieves the request-scoped logger from the context.
// Falls back to slog.Default() if none is set.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

func requestIDOrGenerate(candidate string) string {
	if validRequestID(candidate) {
		return candidate
	}
	return uuid.NewString()
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// withRequestLogger stores the request ID and a logger carrying it (plus the
// active trace ID, when there is one) in ctx.
func withRequestLogger(ctx context.Context, logger *slog.Logger, reqID string) (context.Context, *slog.Logger) {
	attrs := []any{slog.String("request_id", reqID)}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs, slog.String("trace_id", sc.TraceID().String()))
	}
	reqLogger := logger.With(attrs...)
	ctx = context.WithValue(ctx, requestIDKey, reqID)
	ctx = context.WithValue(ctx, loggerKey, reqLogger)
	return ctx, reqLogger
}

// httpCompletionLevel picks the level for the completion line.
func httpCompletionLevel(path string, statusCode int) slog.Level {
	switch {
	case statusCode >= http.StatusInternalServerError:
		return slog.LevelError
	case statusCode >= http.StatusBadRequest:
		return slog.LevelWarn
	}
	if _, quiet := quietHTTPPaths[path]; quiet {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func grpcCompletionLevel(fullMethod string, code codes.Code) slog.Level {
	switch code {
	case codes.OK:
		if strings.HasPrefix(fullMethod, grpcHealthPrefix) {
			return slog.LevelDebug
		}
		return slog.LevelInfo
	case codes.Internal, codes.Unknown, codes.DataLoss, codes.Unavailable:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// body size.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// Flush keeps server-sent event streams working behind the logger.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap supports http.ResponseController and middleware that unwrap writers.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// HTTPRequestLogging returns middleware that logs one line per HTTP request
// with its request ID, status, size, and duration. Server errors log at
// error, client errors at warn, and health or scrape endpoints at debug. The request ID
// is taken from X-Request-ID when valid and echoed on the response.
func HTTPRequestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := requestIDOrGenerate(r.Header.Get(RequestIDHeader))
			ctx, reqLogger := withRequestLogger(r.Context(), logger, reqID)
			w.Header().Set(RequestIDHeader, reqID)

			reqLogger.DebugContext(ctx, "request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(wrapped, r.WithContext(ctx))
			duration := time.Since(start)

			reqLogger.Log(ctx, httpCompletionLevel(r.URL.Path, wrapped.statusCode), "request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", wrapped.statusCode),
				slog.Int64("bytes", wrapped.bytes),
				slog.Float64("duration_ms", float64(duration.Nanoseconds())/1e6),
			)
		})
	}
}

// UnaryRequestLoggingInterceptor returns a gRPC unary server interceptor that
// logs each call with a request ID, method, status code, and duration.
func UnaryRequestLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		reqID := requestIDOrGenerate(grpcRequestID(ctx))
		ctx, reqLogger := withRequestLogger(ctx, logger, reqID)
		_ = grpc.SetHeader(ctx, metadata.Pairs(grpcRequestIDKey, reqID))

		start := time.Now()
		resp, err := handler(ctx, req)
		logGRPCCompletion(ctx, reqLogger, "request completed", info.FullMethod, err, time.Since(start))

		return resp, err
	}
}

// StreamRequestLoggingInterceptor is the streaming counterpart of
// [UnaryRequestLoggingInterceptor].
func StreamRequestLoggingInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		reqID := requestIDOrGenerate(grpcRequestID(ss.Context()))
		ctx, reqLogger := withRequestLogger(ss.Context(), logger, reqID)
		_ = ss.SetHeader(metadata.Pairs(grpcRequestIDKey, reqID))

		reqLogger.DebugContext(ctx, "stream started", slog.String("method", info.FullMethod))

		start := time.Now()
		err := handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
		logGRPCCompletion(ctx, reqLogger, "stream completed", info.FullMethod, err, time.Since(start))

		return err
	}
}

func logGRPCCompletion(ctx context.Context, logger *slog.Logger, msg, fullMethod string, err error, duration time.Duration) {
	code := status.Code(err)
	attrs := []slog.Attr{
		slog.String("method", fullMethod),
		slog.Int("status_code", int(code)),
		slog.String("status", code.String()),
		slog.Float64("duration_ms", float64(duration.Nanoseconds())/1e6),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", status.Convert(err).Message()))
	}
	logger.LogAttrs(ctx, grpcCompletionLevel(fullMethod, code), msg, attrs...)
}

func grpcRequestID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(grpcRequestIDKey); len(values) > 0 {
		return values[0]
	}
	return ""
}
