package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"blogcore/internal/infrastructure"
)

// Problem types following RFC 7807
const (
	TypeValidation   = "/errors/validation"
	TypePayload      = "/errors/payload"
	TypeNotFound     = "/errors/not-found"
	TypeUnauthorized = "/errors/unauthorized"
	TypeForbidden    = "/errors/forbidden"
	TypeRateLimit    = "/errors/rate-limit"
	TypeInternal     = "/errors/internal"
	TypeServiceDown  = "/errors/service-unavailable"
	TypeTimeout      = "/errors/timeout"
	TypeMethod       = "/errors/method-not-allowed"
)

var problemTypes = map[string]string{
	CodeInvalidRequest:     TypeValidation,
	CodeInvalidPayload:     TypePayload,
	CodeUnauthorized:       TypeUnauthorized,
	CodeForbidden:          TypeForbidden,
	CodeNotFound:           TypeNotFound,
	CodeMethodNotAllowed:   TypeMethod,
	CodeRateLimitExceeded:  TypeRateLimit,
	CodeTimeout:            TypeTimeout,
	CodeInternal:           TypeInternal,
	CodeServiceUnavailable: TypeServiceDown,
}

// retryable is implemented by transient failures, such as a messaging
// backend that is configured but unreachable.
type retryable interface {
	Retryable() bool
}

// ErrorHandler provides centralized error handling
type ErrorHandler struct {
	logger       *slog.Logger
	includeStack bool
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *slog.Logger, includeStack bool) *ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorHandler{
		logger:       logger.With(slog.String("component", "error_handler")),
		includeStack: includeStack,
	}
}

// Classify maps any error to an APIError. Unknown errors become
// INTERNAL_ERROR without leaking their message.
func Classify(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrTimeout.WithCause(err)
	}
	var r retryable
	if errors.As(err, &r) && r.Retryable() {
		return Unavailable(err)
	}
	return ErrInternalServer.WithCause(err)
}

// HandleError converts any error to RFC 7807 format and responds
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	apiErr := Classify(err)
	level := slog.LevelWarn
	if apiErr.StatusCode >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "request failed",
		slog.String("error", err.Error()),
		slog.String("error_code", apiErr.ErrorCode),
		slog.String("trace_id", TraceID(r)),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)

	problem := ToProblem(apiErr, r)
	if h.includeStack && apiErr.StatusCode >= http.StatusInternalServerError {
		problem.WithExtension("stack", getStackTrace())
	}
	render.Render(w, r, problem)
}

// ToProblem renders apiErr as problem details for r.
func ToProblem(apiErr *APIError, r *http.Request) *ProblemDetails {
	problemType, ok := problemTypes[apiErr.ErrorCode]
	if !ok {
		problemType = TypeInternal
	}

	problem := NewProblemDetails(
		apiErr.StatusCode,
		problemType,
		http.StatusText(apiErr.StatusCode),
		apiErr.Message,
		r.URL.Path,
	).WithExtension("error_code", apiErr.ErrorCode).
		WithExtension("trace_id", TraceID(r))

	if apiErr.Retryable {
		problem.WithExtension("retryable", true)
	}
	if apiErr.Details != nil {
		problem.WithExtension("details", apiErr.Details)
	}
	return problem
}

// WriteError writes apiErr as a problem details response. Stages that
// terminate a request use it so every error body has the same shape.
func WriteError(w http.ResponseWriter, r *http.Request, apiErr *APIError) {
	render.Render(w, r, ToProblem(apiErr, r))
}

// TraceID returns the request's trace ID, falling back to chi's request ID.
func TraceID(r *http.Request) string {
	if id := infrastructure.GetTraceID(r.Context()); id != "" {
		return id
	}
	return middleware.GetReqID(r.Context())
}

// HandlePanic recovers from panics and returns RFC 7807 error
func (h *ErrorHandler) HandlePanic(w http.ResponseWriter, r *http.Request, recovered interface{}) {
	h.logger.ErrorContext(r.Context(), "panic recovered",
		slog.Any("panic", recovered),
		slog.String("trace_id", TraceID(r)),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("stack", string(debug.Stack())),
	)

	problem := ToProblem(ErrInternalServer, r)
	if h.includeStack {
		problem.WithExtension("panic", fmt.Sprintf("%v", recovered))
		problem.WithExtension("stack", getStackTrace())
	}
	render.Render(w, r, problem)
}

// NotFound returns a standard 404 error
func (h *ErrorHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, ErrNotFound)
}

// MethodNotAllowed returns a standard 405 error
func (h *ErrorHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, ErrMethodNotAllowed.WithDetails(r.Method))
}

// getStackTrace returns the current stack trace
func getStackTrace() string {
	buf := make([]byte, 1024*8)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// Middleware translates panics raised downstream into a problem response.
// http.ErrAbortHandler is re-raised so the server can drop the connection.
func (h *ErrorHandler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			if ww.Status() != 0 {
				h.logger.ErrorContext(r.Context(), "panic after response started",
					slog.Any("panic", rec),
					slog.String("path", r.URL.Path))
				return
			}
			if err, ok := rec.(error); ok {
				h.HandleError(ww, r, err)
				return
			}
			h.HandlePanic(ww, r, rec)
		}()

		next.ServeHTTP(ww, r)
	})
}

// JSON helper for consistent JSON responses
func (h *ErrorHandler) JSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	render.Status(r, status)
	render.JSON(w, r, v)
}
