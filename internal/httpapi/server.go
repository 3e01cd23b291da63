// Package httpapi exposes the scheduler and chat service over HTTP. Generation
// endpoints answer with NDJSON: optional token lines followed by one final
// types.InferResponse line.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inferd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.Model
	Status() types.StatusResponse
	Ready() bool
	Infer(ctx context.Context, req types.InferRequest, w io.Writer, flush func()) error
	Chat(ctx context.Context, req types.ChatRequest, w io.Writer, flush func()) error
	PurgeCache(modelID string) (int, error)
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.ModelsResponse{Models: svc.ListModels()})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Post("/infer", func(w http.ResponseWriter, r *http.Request) {
		var req types.InferRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			writeJSONError(w, http.StatusBadRequest, "prompt is required")
			return
		}
		serveNDJSON(w, r, req.Model, func(ctx context.Context, out io.Writer, flush func()) error {
			return svc.Infer(ctx, req, out, flush)
		})
	})

	r.Post("/chat", func(w http.ResponseWriter, r *http.Request) {
		var req types.ChatRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if len(req.Messages) == 0 {
			writeJSONError(w, http.StatusBadRequest, "messages are required")
			return
		}
		serveNDJSON(w, r, req.Model, func(ctx context.Context, out io.Writer, flush func()) error {
			return svc.Chat(ctx, req, out, flush)
		})
	})

	r.Delete("/cache/{model}", func(w http.ResponseWriter, r *http.Request) {
		model := chi.URLParam(r, "model")
		n, err := svc.PurgeCache(model)
		if err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		logger().Info().Str("model", model).Int("removed", n).Msg("cache purge")
		writeJSON(w, http.StatusOK, types.PurgeResponse{Model: model, Removed: n})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)

	return r
}

// decodeJSON enforces the content type and body limit and decodes into v.
// It writes the error response itself and reports whether to continue.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// trackingWriter remembers whether any NDJSON has been written, after which
// the status line can no longer carry an error.
type trackingWriter struct {
	w       io.Writer
	started bool
	lines   int
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	t.started = true
	for _, b := range p {
		if b == '\n' {
			t.lines++
		}
	}
	return t.w.Write(p)
}

// serveNDJSON runs a generation handler with the request's log level,
// timeout and shutdown context, and maps admission errors to status codes.
func serveNDJSON(w http.ResponseWriter, r *http.Request, model string, run func(ctx context.Context, w io.Writer, flush func()) error) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	lvl := requestLogLevel(r)
	out := &trackingWriter{w: w}
	var dst io.Writer = out
	if lvl >= LevelDebug {
		dst = io.MultiWriter(out, &loggingLineWriter{path: r.URL.Path})
	}
	start := time.Now()
	reqLog := logger().With().Str("path", r.URL.Path).Str("model", model).
		Str("request_id", middleware.GetReqID(r.Context())).Logger()
	if lvl >= LevelInfo {
		reqLog.Info().Msg("generate start")
	}

	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if inferTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, time.Duration(inferTimeout)*time.Second)
		defer tcancel()
	}

	err := run(ctx, dst, flush)
	ndjsonLinesTotal.WithLabelValues(routePatternOrPath(r)).Add(float64(out.lines))
	status := http.StatusOK
	switch {
	case err == nil:
	case r.Context().Err() != nil || serverBaseCtx.Err() != nil:
		if lvl >= LevelInfo {
			reqLog.Info().Err(err).Dur("dur", time.Since(start)).Msg("generate cancelled")
		}
		return
	case out.started:
		// Headers are already on the wire.
		if lvl >= LevelError {
			reqLog.Error().Err(err).Dur("dur", time.Since(start)).Msg("generate failed mid-stream")
		}
		return
	default:
		status = statusFor(err)
		if status == http.StatusTooManyRequests {
			IncrementBackpressure("queue_full")
		}
		writeJSONError(w, status, err.Error())
	}
	if lvl >= LevelInfo || (lvl >= LevelError && status >= 500) {
		ev := reqLog.Info()
		if status >= 500 {
			ev = reqLog.Error()
		}
		ev.Int("status", status).Int("lines", out.lines).Dur("dur", time.Since(start)).Err(err).Msg("generate end")
	}
}

// serverBaseCtx is cancelled on shutdown so in-flight generations stop
// waiting. Defaults to Background.
var serverBaseCtx = context.Background()

// SetBaseContext sets the process-level base context used by handlers.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	serverBaseCtx = ctx
}

// joinContexts derives from b a context that is also cancelled when a is.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(b)
	stop := context.AfterFunc(a, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
