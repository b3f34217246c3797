package middleware

import (
	"net/http"
	"runtime/debug"
	"sync/atomic"

	"go.uber.org/zap"
)

// DebugWriteHeader logs a stack trace when a response status is written twice,
// which means an error escaped after a handler already answered. Pass-through
// unless enabled.
func DebugWriteHeader(enabled bool, log *zap.SugaredLogger) func(http.Handler) http.Handler {
	if !enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	log.Infow("double-write detection enabled")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(&onceWriter{ResponseWriter: w, log: log, method: r.Method, path: r.URL.Path}, r)
		})
	}
}

type onceWriter struct {
	http.ResponseWriter
	log    *zap.SugaredLogger
	wrote  int32
	method string
	path   string
	code   int
}

func (o *onceWriter) WriteHeader(code int) {
	if atomic.CompareAndSwapInt32(&o.wrote, 0, 1) {
		o.code = code
		o.ResponseWriter.WriteHeader(code)
		return
	}
	o.log.Warnw("status written twice", "method", o.method, "path", o.path, "first", o.code, "second", code, "stack", string(debug.Stack()))
}

func (o *onceWriter) Write(b []byte) (int, error) {
	if atomic.LoadInt32(&o.wrote) == 0 {
		o.WriteHeader(http.StatusOK)
	}
	return o.ResponseWriter.Write(b)
}

func (o *onceWriter) Unwrap() http.ResponseWriter { return o.ResponseWriter }
