package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	apierrors "blogcore/internal/errors"
	"blogcore/internal/infrastructure"
	"blogcore/internal/security"
)

// EncryptedHeader marks a response body that is a sealed envelope.
const EncryptedHeader = "X-Payload-Encrypted"

const maxEnvelopeSize = 1 << 20

var errEnvelopeTooLarge = errors.New("encrypted body exceeds limit")

// DecryptRequest replaces a sealed request body with its plaintext.
// Requests without a body pass through untouched.
func DecryptRequest(cipher *security.PayloadCipher, logger *slog.Logger) Func {
	logger = infrastructure.WithComponent(logger, "request-decrypt")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody || isUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeSize+1))
			_ = r.Body.Close()
			if err == nil && len(body) > maxEnvelopeSize {
				err = errEnvelopeTooLarge
			}
			if err != nil {
				apierrors.WriteError(w, r, apierrors.ErrInvalidPayload.WithCause(err))
				return
			}
			if len(bytes.TrimSpace(body)) == 0 {
				r.Body = http.NoBody
				next.ServeHTTP(w, r)
				return
			}

			var env security.Envelope
			if err := json.Unmarshal(body, &env); err != nil {
				logger.WarnContext(r.Context(), "malformed encrypted envelope", slog.String("error", err.Error()))
				apierrors.WriteError(w, r, apierrors.ErrInvalidPayload.WithCause(err))
				return
			}
			plaintext, err := cipher.Open(&env)
			if err != nil {
				logger.WarnContext(r.Context(), "encrypted envelope rejected", slog.String("error", err.Error()))
				apierrors.WriteError(w, r, apierrors.ErrInvalidPayload.WithCause(err))
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(plaintext))
			r.ContentLength = int64(len(plaintext))
			r.Header.Set("Content-Length", strconv.Itoa(len(plaintext)))
			next.ServeHTTP(w, r)
		})
	}
}

// EncryptResponse seals the final response body of the inner chain. It
// buffers the whole body, so streaming responses and upgrades bypass it.
func EncryptResponse(cipher *security.PayloadCipher, logger *slog.Logger) Func {
	logger = infrastructure.WithComponent(logger, "response-encrypt")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isUpgrade(r) || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			buf := &bufferedWriter{header: w.Header()}
			next.ServeHTTP(buf, r)

			status := buf.status
			if status == 0 {
				status = http.StatusOK
			}
			if buf.body.Len() == 0 {
				w.WriteHeader(status)
				return
			}

			requestID := w.Header().Get(RequestIDHeader)
			if requestID == "" {
				requestID = infrastructure.GetTraceID(r.Context())
			}
			env, err := cipher.Seal(buf.body.Bytes(), requestID)
			var sealed []byte
			if err == nil {
				sealed, err = json.Marshal(env)
			}
			if err != nil {
				logger.ErrorContext(r.Context(), "failed to seal response", slog.String("error", err.Error()))
				w.Header().Del(EncryptedHeader)
				apierrors.WriteError(w, r, apierrors.ErrInternalServer)
				return
			}

			h := w.Header()
			h.Set("Content-Type", "application/json")
			h.Set(EncryptedHeader, "1")
			h.Set("Content-Length", strconv.Itoa(len(sealed)))
			w.WriteHeader(status)
			_, _ = w.Write(sealed)
		})
	}
}

// bufferedWriter holds a response until the encrypt stage seals it. The
// header map is shared with the real writer.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header {
	return b.header
}

func (b *bufferedWriter) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}
