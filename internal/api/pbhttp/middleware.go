package pbhttp

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pborman/uuid"
	"github.com/rs/zerolog"

	"github.com/ferux/pairbroker/internal/fcontext"
)

const requestIDHeader = "x-request-id"

func middlewareRequestID() func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			rid := r.Header.Get(requestIDHeader)
			if len(rid) == 0 {
				rid = uuid.New()
			}

			w.Header().Set(requestIDHeader, rid)
			ctx = fcontext.WithRequestID(ctx, rid)
			r = r.WithContext(fcontext.WithRemoteAddr(ctx, realIP(r)))

			h.ServeHTTP(w, r)
		})
	}
}

func middlewareLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			rid := fcontext.RequestID(ctx)
			lg := logger.With().
				Str("request_id", rid).
				Str("remote_addr", fcontext.RemoteAddr(ctx)).
				Logger()
			r = r.WithContext(lg.WithContext(ctx))
			start := time.Now()
			lg.Debug().
				Str("method", r.Method).
				Str("request_uri", r.RequestURI).
				Msg("accepted")

			h.ServeHTTP(w, r)

			lg.Info().Str("took", time.Since(start).String()).Msg("served")
		})
	}
}

func middlewareCounter(api *HTTP) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt64(&api.requestCount, 1)
			h.ServeHTTP(w, r)
		})
	}
}

func middlewareCORS(origins []string) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if len(origin) > 0 && originAllowed(origins, origin) {
				header := w.Header()
				header.Set("Access-Control-Allow-Origin", origin)
				header.Set("Access-Control-Allow-Credentials", "true")
				header.Add("Vary", "Origin")

				if r.Method == http.MethodOptions {
					header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
					w.WriteHeader(http.StatusNoContent)

					return
				}
			}

			h.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origins []string, origin string) bool {
	for _, o := range origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}

	return false
}
