package idempotency

import (
	"bytes"
	"net/http"
)

const (
	HeaderKey    = "Idempotency-Key"
	HeaderReplay = "Idempotency-Replay"
	maxKeyLen    = 255
)

// Middleware replays the stored response when a request repeats an
// Idempotency-Key already answered on the same route. Only 2xx responses
// are stored so failed deliveries can be retried.
func Middleware(cache *Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" || len(key) > maxKeyLen {
				next.ServeHTTP(w, r)
				return
			}
			scoped := r.Method + " " + r.URL.Path + " " + key

			if resp, ok := cache.Get(scoped); ok {
				for k, v := range resp.Header {
					w.Header()[k] = v
				}
				w.Header().Set(HeaderReplay, "true")
				w.WriteHeader(resp.StatusCode)
				_, _ = w.Write(resp.Body)
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if rec.status >= 200 && rec.status < 300 {
				cache.Put(scoped, Response{
					StatusCode: rec.status,
					Header:     w.Header().Clone(),
					Body:       rec.body.Bytes(),
				})
			}
		})
	}
}

// recorder tees the response body while writing through.
type recorder struct {
	http.ResponseWriter
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func (r *recorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
