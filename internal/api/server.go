package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/deepzoom/internal/config"
	"github.com/JakeFAU/deepzoom/internal/metrics"
	"github.com/JakeFAU/deepzoom/internal/policy/ratelimit"
	"github.com/JakeFAU/deepzoom/internal/queue/memory"
	"github.com/JakeFAU/deepzoom/internal/render"
)

const requestTimeout = 30 * time.Second

// Controller is the command side of the render worker.
type Controller interface {
	Enqueue(cmd render.Command) error
	Flags() *render.Flags
}

// Server wires HTTP handlers to the worker and the progress stream.
type Server struct {
	router   chi.Router
	control  Controller
	progress *ProgressHandler
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. A nil limiter
// admits every command.
func NewServer(
	control Controller,
	progress *ProgressHandler,
	auth config.AuthConfig,
	limiter *ratelimit.Limiter,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		control:  control,
		progress: progress,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	if auth.Enabled {
		r.Use(apiKeyMiddleware(auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Event streams outlive any request timeout.
		if progress != nil {
			r.Get("/events", progress.StreamEvents)
		}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.With(commandLimitMiddleware(limiter)).Post("/commands/{name}", s.submitCommand)
			r.With(commandLimitMiddleware(limiter)).Post("/zoom-out", s.startZoomOut)
			r.Get("/flags", s.getFlags)
			r.Post("/stop", s.setFlag(stopFlag, true))
			r.Delete("/stop", s.setFlag(stopFlag, false))
			r.Post("/repeat", s.setFlag(repeatFlag, true))
			r.Delete("/repeat", s.setFlag(repeatFlag, false))
			if progress != nil {
				r.Get("/progress", progress.GetProgress)
				r.Get("/frame.png", progress.GetFrame)
			}
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := render.ParseCommand(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.enqueue(cmd); err != nil {
		s.writeEnqueueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"command": cmd.String()})
}

// startZoomOut begins a new zoom-out sequence: both flags are cleared and a
// fast reset is queued, after which the sequencer takes over.
func (s *Server) startZoomOut(w http.ResponseWriter, _ *http.Request) {
	flags := s.control.Flags()
	flags.Stop.Clear()
	flags.Repeat.Clear()
	if err := s.enqueue(render.FastReset); err != nil {
		s.writeEnqueueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"command": render.FastReset.String()})
}

func (s *Server) enqueue(cmd render.Command) error {
	if err := s.control.Enqueue(cmd); err != nil {
		return fmt.Errorf("enqueue %s: %w", cmd, err)
	}
	s.logger.Debug("command queued", zap.Stringer("command", cmd))
	return nil
}

func (s *Server) writeEnqueueError(w http.ResponseWriter, err error) {
	if errors.Is(err, memory.ErrQueueClosed) {
		writeError(w, http.StatusServiceUnavailable, "worker is shutting down")
		return
	}
	s.logger.Error("enqueue failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to queue command")
}

type flagName int

const (
	stopFlag flagName = iota
	repeatFlag
)

func (s *Server) setFlag(name flagName, raise bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		flags := s.control.Flags()
		flag := &flags.Stop
		if name == repeatFlag {
			flag = &flags.Repeat
		}
		if raise {
			flag.Set()
		} else {
			flag.Clear()
		}
		writeJSON(w, http.StatusOK, toFlagsDTO(flags))
	}
}

func (s *Server) getFlags(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toFlagsDTO(s.control.Flags()))
}

type flagsDTO struct {
	Stop   bool `json:"stop"`
	Repeat bool `json:"repeat"`
}

func toFlagsDTO(f *render.Flags) flagsDTO {
	return flagsDTO{Stop: f.Stop.IsSet(), Repeat: f.Repeat.IsSet()}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("error", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func commandLimitMiddleware(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientKey(r)) {
				metrics.ObserveCommandDropped("rate_limited")
				writeError(w, http.StatusTooManyRequests, "too many commands")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
