// Package middleware disponibiliza middlewares HTTP específicos da aplicação.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// CallerIDHeader identifica o usuário autenticado pelo gateway à frente do serviço.
const CallerIDHeader = "X-Caller-ID"

const missingCallerMessage = "missing " + CallerIDHeader + " header"

type callerKey struct{}

// RequireCaller rejeita requisições sem identificação do usuário e guarda o id
// no contexto.
func RequireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callerID := extractCallerID(r)
		if callerID == "" {
			writeBadRequest(w, missingCallerMessage)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCallerID(r.Context(), callerID)))
	})
}

func WithCallerID(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, callerKey{}, callerID)
}

// CallerID devolve o usuário associado à requisição, ou "".
func CallerID(ctx context.Context) string {
	id, _ := ctx.Value(callerKey{}).(string)
	return id
}

func extractCallerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(CallerIDHeader))
}

// RequestLogger registra método, rota, status e duração de cada requisição.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			logger.Debug("request served",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", chimw.GetReqID(r.Context())),
			)
		})
	}
}

func writeBadRequest(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
