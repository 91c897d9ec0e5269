package intake

import (
	"fmt"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	logx "sitegen/pkg/logx"
)

func (s *Server) requestID(next http.Handler) http.Handler { return chimw.RequestID(next) }

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error("intake handler panic",
					logx.String("path", r.URL.Path),
					logx.String("panic", fmt.Sprint(rec)),
					logx.Stack(string(debug.Stack())),
				)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", status),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", chimw.GetReqID(r.Context())),
		}
		if status >= 500 {
			s.log.Warn("intake request", fields...)
			return
		}
		s.log.Debug("intake request", fields...)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			retry := 1
			if lim := float64(s.limiter.Limit()); lim > 0 {
				retry = int(math.Ceil(1 / lim))
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requireJSON(next http.Handler) http.Handler {
	return chimw.AllowContentType("application/json")(next)
}

// mountProfiler serves chi's pprof handlers under prefix.
func mountProfiler(r chi.Router, prefix string) {
	h := http.StripPrefix(prefix, chimw.Profiler())
	r.Handle(prefix, h)
	r.Handle(prefix+"/*", h)
}
