// Package api is the HTTP control surface: object bindings, manual
// recordings, sweeps and a live event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/posebench/internal/automation"
	"github.com/banshee-data/posebench/internal/broadcaster"
	"github.com/banshee-data/posebench/internal/config"
	"github.com/banshee-data/posebench/internal/db"
	"github.com/banshee-data/posebench/internal/display"
	"github.com/banshee-data/posebench/internal/httputil"
	"github.com/banshee-data/posebench/internal/monitoring"
	"github.com/banshee-data/posebench/internal/security"
	"github.com/banshee-data/posebench/internal/timeutil"
)

var logf = monitoring.Component("api")

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// KeepAliveInterval is how often an idle event stream gets a comment line.
const KeepAliveInterval = 15 * time.Second

// Broadcaster is the part of broadcaster.Broadcaster the API drives.
type Broadcaster interface {
	Snapshot() broadcaster.Snapshot
	SetDesired(id string)
	SetReference(id string)
	StartRecording(limit int, timeout time.Duration) (uint64, error)
	StopRecording() (broadcaster.Result, bool)
	Recording() broadcaster.RecordingStatus
	Persist(path string) error
}

// Sweeper runs sweeps. automation.Controller implements it.
type Sweeper interface {
	Start(ctx context.Context, plan automation.Plan) error
	Stop()
	State() automation.State
}

// Archive lists past sweeps. db.DB implements it.
type Archive interface {
	Runs(ctx context.Context, limit int) ([]db.RunRecord, error)
	Run(ctx context.Context, runID string) (db.RunRecord, error)
	Steps(ctx context.Context, runID string) ([]db.StepSummary, error)
}

type Server struct {
	b       Broadcaster
	sweeper Sweeper
	hub     *display.Hub
	archive Archive

	outputDir string
	sweepCfg  *config.SweepConfig
	clock     timeutil.Clock
	// sweepCtx parents every sweep so shutdown cancels them.
	sweepCtx context.Context
}

// Options configure optional parts of the server.
type Options struct {
	// OutputDir confines every recording and sweep file. Defaults to
	// config.DefaultOutputDir.
	OutputDir string
	// Sweep supplies the sweep started by an empty POST /api/sweep/start.
	Sweep *config.SweepConfig
	// Archive enables /api/sweep/runs. May be nil.
	Archive Archive
	Clock   timeutil.Clock
	// Context parents sweeps started through the API. Defaults to
	// context.Background.
	Context context.Context
}

func NewServer(b Broadcaster, sweeper Sweeper, hub *display.Hub, opts Options) *Server {
	if opts.OutputDir == "" {
		opts.OutputDir = config.DefaultOutputDir
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	return &Server{
		b:         b,
		sweeper:   sweeper,
		hub:       hub,
		archive:   opts.Archive,
		outputDir: opts.OutputDir,
		sweepCfg:  opts.Sweep,
		clock:     opts.Clock,
		sweepCtx:  opts.Context,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/objects", s.listObjects)
	mux.HandleFunc("/api/bind", s.bind)
	mux.HandleFunc("/api/recording", s.showRecording)
	mux.HandleFunc("/api/recording/start", s.startRecording)
	mux.HandleFunc("/api/recording/stop", s.stopRecording)
	mux.HandleFunc("/api/recording/save", s.saveRecording)
	mux.HandleFunc("/api/sweep", s.showSweep)
	mux.HandleFunc("/api/sweep/start", s.startSweep)
	mux.HandleFunc("/api/sweep/stop", s.stopSweep)
	mux.HandleFunc("/api/sweep/runs", s.listRuns)
	mux.HandleFunc("/api/sweep/runs/", s.showRun)
	mux.HandleFunc("/api/events", s.streamEvents)
	return mux
}

func (s *Server) listObjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.b.Snapshot())
}

// BindRequest selects the desired and/or reference object. A reference of
// "" or "Camera" selects the camera frame; a desired of "" unbinds.
type BindRequest struct {
	Desired   *string `json:"desired,omitempty"`
	Reference *string `json:"reference,omitempty"`
}

func (s *Server) bind(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req BindRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Desired == nil && req.Reference == nil {
		httputil.BadRequest(w, "desired or reference is required")
		return
	}
	if req.Reference != nil {
		s.b.SetReference(strings.TrimSpace(*req.Reference))
	}
	if req.Desired != nil {
		s.b.SetDesired(strings.TrimSpace(*req.Desired))
	}
	httputil.WriteJSONOK(w, s.b.Snapshot())
}

func (s *Server) showRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.b.Recording())
}

// RecordingRequest starts a manual recording. Timeout is in seconds; zero
// records until Samples are captured or the recording is stopped.
type RecordingRequest struct {
	Samples int     `json:"samples"`
	Timeout float64 `json:"timeout"`
}

func (s *Server) startRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req RecordingRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Samples <= 0 {
		httputil.BadRequest(w, "samples must be positive")
		return
	}
	if req.Timeout < 0 {
		httputil.BadRequest(w, "timeout must not be negative")
		return
	}

	seq, err := s.b.StartRecording(req.Samples, time.Duration(req.Timeout*float64(time.Second)))
	switch {
	case errors.Is(err, broadcaster.ErrNoTarget):
		httputil.Conflict(w, err.Error())
	case err != nil:
		httputil.BadRequest(w, err.Error())
	default:
		httputil.WriteJSON(w, http.StatusAccepted, map[string]uint64{"seq": seq})
	}
}

func (s *Server) stopRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	res, ok := s.b.StopRecording()
	if !ok {
		httputil.Conflict(w, "no recording in progress")
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"seq":   res.Seq,
		"count": res.Count,
		"cap":   res.Cap,
		"full":  res.Full(),
	})
}

// SaveRequest names the file for the last recording, relative to the
// output directory.
type SaveRequest struct {
	Name string `json:"name"`
}

func (s *Server) saveRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req SaveRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	path, err := security.RecordingPath(s.outputDir, req.Name)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	err = s.b.Persist(path)
	switch {
	case errors.Is(err, broadcaster.ErrRecordingActive):
		httputil.Conflict(w, err.Error())
	case err != nil:
		httputil.InternalServerError(w, err.Error())
	default:
		httputil.WriteJSONOK(w, map[string]string{"path": path})
	}
}

func (s *Server) showSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.sweeper.State())
}

// sweepDir resolves the directory a sweep writes to. A configured
// output_dir is taken relative to the server's output directory; otherwise
// each sweep gets a timestamped directory.
func (s *Server) sweepDir(cfg *config.SweepConfig) (string, error) {
	name := s.clock.Now().UTC().Format("sweep-20060102-150405")
	if cfg.OutputDir != nil && *cfg.OutputDir != "" {
		name = *cfg.OutputDir
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %s is absolute", security.ErrPathEscape, name)
	}
	dir := filepath.Join(s.outputDir, name)
	if err := security.ValidatePathWithinDirectory(dir, s.outputDir); err != nil {
		return "", err
	}
	return dir, nil
}

func (s *Server) startSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	body, err := readBody(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	cfg := s.sweepCfg
	if len(strings.TrimSpace(string(body))) > 0 {
		if cfg, err = config.ParseSweepConfig(body, "json"); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	}
	if cfg == nil {
		httputil.BadRequest(w, "no sweep configured; post a sweep definition")
		return
	}

	dir, err := s.sweepDir(cfg)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	plan, err := cfg.Plan(dir)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	err = s.sweeper.Start(s.sweepCtx, plan)
	switch {
	case errors.Is(err, automation.ErrSweepRunning), errors.Is(err, broadcaster.ErrNoTarget):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, automation.ErrInvalidPlan):
		httputil.BadRequest(w, err.Error())
	case err != nil:
		httputil.InternalServerError(w, err.Error())
	default:
		httputil.WriteJSON(w, http.StatusAccepted, s.sweeper.State())
	}
}

func (s *Server) stopSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.sweeper.Stop()
	httputil.WriteJSON(w, http.StatusAccepted, s.sweeper.State())
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.archive == nil {
		httputil.NotFound(w, "sweep archive disabled")
		return
	}

	limit := 20 // default value
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	runs, err := s.archive.Runs(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve runs: %v", err))
		return
	}
	httputil.WriteJSONOK(w, runs)
}

func (s *Server) showRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.archive == nil {
		httputil.NotFound(w, "sweep archive disabled")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/sweep/runs/")
	if id == "" || strings.Contains(id, "/") {
		httputil.NotFound(w, "run not found")
		return
	}

	run, err := s.archive.Run(r.Context(), id)
	if errors.Is(err, db.ErrRunNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve run: %v", err))
		return
	}
	steps, err := s.archive.Steps(r.Context(), id)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve steps: %v", err))
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"run": run, "steps": steps})
}

// streamEvents sends the display hub as server-sent events: "pose" for the
// latest transformed pose and one event per hub EventKind. A slow client
// only ever misses intermediate poses.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	sse, err := httputil.NewSSE(w)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub.ID)

	if err := sse.Comment("ping"); err != nil {
		return
	}
	for _, role := range []broadcaster.Role{broadcaster.RoleDesired, broadcaster.RoleReference} {
		if v, ok := s.hub.Rate(role); ok {
			if err := sse.Event(string(display.KindRate), v); err != nil {
				return
			}
		}
	}

	keepAlive := s.clock.NewTicker(KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case v := <-sub.Poses.C():
			err = sse.Event("pose", v)
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			err = sse.Event(string(ev.Kind), ev.Data)
		case <-keepAlive.C():
			err = sse.Comment("ping")
		}
		if err != nil {
			return
		}
	}
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, httputil.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(body) > httputil.MaxBodyBytes {
		return nil, fmt.Errorf("request body too large")
	}
	return body, nil
}
