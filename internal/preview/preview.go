// Package preview serves the live preview frame, recorder status and
// metrics over HTTP.
package preview

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/metrics"
	"go2tv.app/screenrec/recorder"
	"go2tv.app/screenrec/source"
)

const defaultPreviewSize = 640

// StatusSource reports the recorder state.
type StatusSource interface {
	Snapshot() recorder.Snapshot
}

// FrameSource returns the most recent raw BGRA video frame.
type FrameSource interface {
	PreviewFrame() (frame []byte, width, height int, ok bool)
}

type HandlerOptions struct {
	Status StatusSource
	Frames FrameSource
	// MaxSize bounds the longer side of the preview image.
	MaxSize int
	Log     *slog.Logger
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

// NewHandler returns a handler for /preview.png, /status and /metrics.
func NewHandler(opts HandlerOptions) http.Handler {
	if opts.MaxSize <= 0 {
		opts.MaxSize = defaultPreviewSize
	}
	if opts.Log == nil {
		opts.Log = logging.GetLogger("preview")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /preview.png", func(w http.ResponseWriter, r *http.Request) {
		frame, width, height, ok := opts.Frames.PreviewFrame()
		if !ok {
			http.Error(w, "no preview available", http.StatusServiceUnavailable)
			return
		}
		img, err := source.Thumbnail(frame, width, height, opts.MaxSize)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		noCache(w)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(img)
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		noCache(w)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(opts.Status.Snapshot())
	})
	mux.Handle("GET /metrics", metrics.Handler())

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if r.Method == http.MethodOptions {
			rec.WriteHeader(http.StatusOK)
		} else {
			mux.ServeHTTP(rec, r)
		}
		opts.Log.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "bytes", rec.bytes)
	})
}

func noCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}

// Server runs the preview handler on a TCP address.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log *slog.Logger
}

// Listen binds addr and starts serving in the background.
func Listen(addr string, handler http.Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		srv: &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
		log: logging.GetLogger("preview"),
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("preview server stopped", "error", err)
		}
	}()
	s.log.Info("preview server listening", "addr", ln.Addr().String())
	return s, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
