package http

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	m "github.com/go-chi/chi/v5/middleware"

	"judge-console/internal/auth"
)

// RequireAPIToken rejects requests whose bearer token does not match want.
func RequireAPIToken(want string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := auth.BearerToken(r.Header.Get("Authorization"))
			if !ok || !auth.Matches(got, want) {
				writeJSON(w, http.StatusUnauthorized, errResp{"unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := m.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		clog.FromContext(r.Context()).Debug("request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"request_id", m.GetReqID(r.Context()), "elapsed", time.Since(start))
	})
}

type fault struct {
	method string
	prefix string
	status int
}

type latency struct {
	prefix string
	delay  time.Duration
}

// faults injects failures and latency and counts calls per route.
type faults struct {
	mu      sync.Mutex
	pending []fault
	delays  []latency
	calls   []string
}

func (f *faults) failNext(method, prefix string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, fault{method: method, prefix: prefix, status: status})
}

func (f *faults) setLatency(prefix string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, latency{prefix: prefix, delay: d})
}

func (f *faults) count(method, prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		meth, path, _ := strings.Cut(c, " ")
		if (method == "" || meth == method) && strings.HasPrefix(path, prefix) {
			n++
		}
	}
	return n
}

// take records the call and returns the delay and injected status for it.
func (f *faults) take(method, path string) (time.Duration, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method+" "+path)
	var delay time.Duration
	for _, l := range f.delays {
		if strings.HasPrefix(path, l.prefix) {
			delay = max(delay, l.delay)
		}
	}
	for i, ft := range f.pending {
		if (ft.method == "" || ft.method == method) && strings.HasPrefix(path, ft.prefix) {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return delay, ft.status
		}
	}
	return delay, 0
}

func (f *faults) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delay, status := f.take(r.Method, r.URL.Path)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if status != 0 {
			writeJSON(w, status, errResp{http.StatusText(status) + " (injected)"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
