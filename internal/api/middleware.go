package api

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/plugapi/internal/dispatch"
	"github.com/gaspardpetit/plugapi/internal/logx"
	"github.com/gaspardpetit/plugapi/internal/script"
)

// MiddlewareChain returns the middleware applied to every request. At debug
// level request bodies are logged up to bodyLimit bytes.
func MiddlewareChain(bodyLimit int64) []func(http.Handler) http.Handler {
	if bodyLimit <= 0 {
		bodyLimit = script.DefaultBodyLimit
	}
	return []func(http.Handler) http.Handler{
		chiMiddleware.RequestID,
		requestLogger(bodyLimit),
	}
}

// peekBody reads at most limit bytes of the body and puts them back in front
// of the unread remainder, so handlers still see the whole stream.
func peekBody(r *http.Request, limit int64) []byte {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	head, _ := io.ReadAll(io.LimitReader(r.Body, limit))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}
	return head
}

// requestLogger writes one line per request. Requests served by a plugin
// carry the plugin, its file, the matched route and the envelope outcome;
// other requests carry the matched built-in route pattern.
func requestLogger(bodyLimit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			debug := zerolog.GlobalLevel() <= zerolog.DebugLevel
			reqID := chiMiddleware.GetReqID(r.Context())
			if debug {
				logx.Log.Debug().
					Str("request_id", reqID).
					Str("method", r.Method).
					Str("url", r.URL.String()).
					Bytes("body", peekBody(r, bodyLimit)).
					Msg("http request")
			}

			ctx, info := dispatch.WithRouteInfo(r.Context())
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			r = r.WithContext(ctx)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			lvl := zerolog.InfoLevel
			if debug {
				lvl = zerolog.DebugLevel
			}
			ev := logx.Log.WithLevel(lvl).
				Str("request_id", reqID).
				Str("method", r.Method).
				Str("url", r.URL.String()).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("took", time.Since(start))
			if plugin, file, route, outcome, ok := info.Get(); ok {
				ev = ev.Str("plugin", plugin).Str("file", file).Str("route", route).Str("outcome", outcome)
			} else if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				ev = ev.Str("route", rctx.RoutePattern())
			}
			ev.Msg("http")
		})
	}
}

// APIKeyMiddleware checks the Authorization header for a matching bearer key.
// An empty key disables the check.
func APIKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				dispatch.WriteError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
