// Package webui serves the browser form and a JSON endpoint in front of the
// pipeline. Requests wait in a bounded FIFO queue and run one at a time.
package webui

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/depth-diffusion/pkg/analyzer"
	"github.com/menta2k/depth-diffusion/pkg/pipeline"
	"github.com/menta2k/depth-diffusion/pkg/processing"
	"github.com/menta2k/depth-diffusion/pkg/types"
)

// Runner is the part of the pipeline the server needs
type Runner interface {
	Process(ctx context.Context, img image.Image, params types.Params) (*pipeline.Result, error)
}

// Config holds server settings
type Config struct {
	Addr           string
	QueueSize      int
	MaxUploadBytes int64
	// RequestTimeout bounds queue wait plus processing time
	RequestTimeout time.Duration
	Defaults       types.Params
}

// DefaultConfig returns settings for a local single-GPU server
func DefaultConfig() Config {
	return Config{
		Addr:           ":7860",
		QueueSize:      8,
		MaxUploadBytes: 32 << 20,
		RequestTimeout: 10 * time.Minute,
		Defaults:       types.DefaultParams(),
	}
}

// Server is the HTTP front end
type Server struct {
	cfg        Config
	runner     Runner
	inputs     *analyzer.ImageAnalyzer
	queue      *Queue
	logger     *zap.Logger
	mux        *http.ServeMux
	httpServer *http.Server
}

// RunResponse is the JSON body of POST /api/run
type RunResponse struct {
	RunID  string   `json:"run_id"`
	Seed   int64    `json:"seed"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images"` // base64 PNG, depth first
	Timing struct {
		DepthMS     int64 `json:"depth_ms"`
		DiffusionMS int64 `json:"diffusion_ms"`
		TotalMS     int64 `json:"total_ms"`
	} `json:"timing"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer wires routes around runner
func NewServer(cfg Config, runner Runner, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultConfig().MaxUploadBytes
	}
	s := &Server{
		cfg:    cfg,
		runner: runner,
		inputs: analyzer.New(),
		queue:  NewQueue(cfg.QueueSize),
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /api/run", s.handleAPIRun)
	s.mux.HandleFunc("GET /{$}", s.handleForm)
	s.mux.HandleFunc("POST /{$}", s.handleFormRun)
}

// Handler returns the root handler with request logging
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("web ui listening", zap.String("addr", s.cfg.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops accepting requests and drains the queue
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.queue.Close()
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"pending": s.queue.Pending(),
	})
}

func (s *Server) handleAPIRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.run(w, r)
	if err != nil {
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
		return
	}

	resp := RunResponse{RunID: result.RunID, Seed: result.Seed, Prompt: result.Prompt}
	resp.Timing.DepthMS = result.Timing.Depth.Milliseconds()
	resp.Timing.DiffusionMS = result.Timing.Diffusion.Milliseconds()
	resp.Timing.TotalMS = result.Timing.Total.Milliseconds()
	for i, img := range result.Images {
		b64, err := encodePNG(img)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: fmt.Sprintf("encode image %d: %v", i, err)})
			return
		}
		resp.Images = append(resp.Images, b64)
	}
	writeJSON(w, http.StatusOK, resp)
}

// run parses the multipart request and executes it through the queue
func (s *Server) run(w http.ResponseWriter, r *http.Request) (*pipeline.Result, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidParams, err)
	}
	defer r.MultipartForm.RemoveAll()

	params, err := ParseParams(r.MultipartForm.Value, s.cfg.Defaults)
	if err != nil {
		return nil, err
	}

	file, _, err := r.FormFile(FieldImage)
	if err != nil {
		return nil, fmt.Errorf("%w: missing %q upload", types.ErrInvalidParams, FieldImage)
	}
	defer file.Close()

	img, err := s.inputs.LoadImageFromReader(file)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	var (
		result *pipeline.Result
		runErr error
	)
	if err := s.queue.Do(ctx, func(ctx context.Context) {
		result, runErr = s.runner.Process(ctx, img, params)
	}); err != nil {
		return nil, err
	}
	if runErr != nil {
		s.logger.Warn("request failed", zap.Error(runErr))
		return nil, runErr
	}
	return result, nil
}

// statusFor maps pipeline errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidParams), errors.Is(err, types.ErrInvalidResolution):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrResourceExhausted):
		return http.StatusInsufficientStorage
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func encodePNG(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := processing.Encode(&buf, img, "png", 0, true); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if r.URL.Path == "/healthz" {
			return
		}
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr))
	})
}
