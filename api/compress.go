package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// CompressConfig controls response compression for the status API; the
// snapshot payload carries up to an hour of traffic history, so this is
// worth the CPU.
type CompressConfig struct {
	Enabled bool `json:"enabled"`
	Level   int  `json:"level"`
}

type compressWriter struct {
	http.ResponseWriter
	writer io.Writer
}

func (cw *compressWriter) Write(b []byte) (int, error) {
	return cw.writer.Write(b)
}

func (s *Server) compress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.compression.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		accept := r.Header.Get("Accept-Encoding")
		level := s.compression.Level
		if level == 0 {
			level = 6
		}

		var writer io.WriteCloser
		var encoding string
		switch {
		case strings.Contains(accept, "br"):
			writer = brotli.NewWriterLevel(w, level)
			encoding = "br"
		case strings.Contains(accept, "gzip"):
			gz, err := gzip.NewWriterLevel(w, level)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			writer = gz
			encoding = "gzip"
		default:
			next.ServeHTTP(w, r)
			return
		}
		defer writer.Close()

		w.Header().Set("Content-Encoding", encoding)
		w.Header().Add("Vary", "Accept-Encoding")
		next.ServeHTTP(&compressWriter{ResponseWriter: w, writer: writer}, r)
	})
}
