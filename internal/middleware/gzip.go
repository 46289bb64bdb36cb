package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"sync"
)

var gzipWriters = sync.Pool{
	New: func() any { return gzip.NewWriter(io.Discard) },
}

// gzipResponseWriter откладывает отправку заголовков до первого байта тела:
// ответы без тела уходят без Content-Encoding.
type gzipResponseWriter struct {
	http.ResponseWriter
	gz          *gzip.Writer
	status      int
	wroteHeader bool
}

func bodyAllowed(status int) bool {
	return status >= http.StatusOK && status != http.StatusNoContent && status != http.StatusNotModified
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	if w.wroteHeader || w.status != 0 {
		return
	}
	if !bodyAllowed(status) {
		w.wroteHeader = true
		w.ResponseWriter.WriteHeader(status)
		return
	}
	w.status = status
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		if len(b) == 0 {
			return 0, nil
		}
		w.startGzip()
	}
	if w.gz == nil {
		return w.ResponseWriter.Write(b)
	}
	return w.gz.Write(b)
}

func (w *gzipResponseWriter) startGzip() {
	if w.status == 0 {
		w.status = http.StatusOK
	}

	h := w.Header()
	h.Set("Content-Encoding", "gzip")
	h.Add("Vary", "Accept-Encoding")
	h.Del("Content-Length")

	w.gz = gzipWriters.Get().(*gzip.Writer)
	w.gz.Reset(w.ResponseWriter)

	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(w.status)
}

// finish отправляет отложенный статус ответа без тела и дописывает gzip-поток.
func (w *gzipResponseWriter) finish() error {
	if !w.wroteHeader {
		if w.status == 0 {
			w.status = http.StatusOK
		}
		w.wroteHeader = true
		w.ResponseWriter.WriteHeader(w.status)
		return nil
	}
	if w.gz == nil {
		return nil
	}

	err := w.gz.Close()
	gzipWriters.Put(w.gz)
	w.gz = nil
	return err
}

type gzipReadCloser struct {
	*gzip.Reader
	body io.ReadCloser
}

func (r *gzipReadCloser) Close() error {
	if err := r.Reader.Close(); err != nil {
		return err
	}
	return r.body.Close()
}

// GzipMiddleware распаковывает тело запроса с Content-Encoding: gzip
// и сжимает непустой ответ, если клиент принимает gzip.
func GzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Content-Encoding"), "gzip") {
			gr, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, "invalid gzip body", http.StatusBadRequest)
				return
			}
			r.Body = &gzipReadCloser{Reader: gr, body: r.Body}
			r.Header.Del("Content-Encoding")
			r.Header.Del("Content-Length")
		}

		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		gw := &gzipResponseWriter{ResponseWriter: w}
		next.ServeHTTP(gw, r)
		// Ошибка здесь означает, что клиент уже отключился.
		_ = gw.finish()
	})
}
