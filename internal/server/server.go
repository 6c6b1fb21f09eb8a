// Package server exposes the playlist engine over HTTP: a streaming playlist
// generation endpoint, a weights (target features) endpoint, and health
// checks.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/algorhythms/algorhythms/internal/ctxlog"
	"github.com/algorhythms/algorhythms/internal/recco"
	"github.com/algorhythms/algorhythms/internal/runner"
	"github.com/algorhythms/algorhythms/internal/task"
	"github.com/algorhythms/algorhythms/internal/tasks"
)

// FeatureGenerator turns a mood and activity into target audio features.
type FeatureGenerator interface {
	TargetFeatures(ctx context.Context, mood, activity string) (recco.Features, error)
}

// Server handles the HTTP API. Each playlist request builds its own task
// registry and runner, so concurrent generations are fully independent.
type Server struct {
	env            *tasks.Env
	weights        FeatureGenerator
	playlistLength int
	logger         *slog.Logger
}

// New builds the server. defaultLength is the playlist length used when a
// request does not ask for one.
func New(env *tasks.Env, weights FeatureGenerator, defaultLength int, logger *slog.Logger) *Server {
	if defaultLength <= 0 {
		defaultLength = tasks.DefaultPlaylistLength
	}
	return &Server{env: env, weights: weights, playlistLength: defaultLength, logger: logger}
}

// Handler returns the routed HTTP handler with CORS and request logging
// applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/weights", s.handleWeights)
	mux.HandleFunc("POST /v1/playlist", s.handlePlaylist)
	return s.withLogger(withCORS(mux))
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening.", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("HTTP server shutting down.")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := ctxlog.WithLogger(r.Context(), s.logger.With("method", r.Method, "path", r.URL.Path))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWeights converts a mood and activity into target audio features.
func (s *Server) handleWeights(w http.ResponseWriter, r *http.Request) {
	mood := r.URL.Query().Get("mood")
	activity := r.URL.Query().Get("activity")
	if mood == "" || activity == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Activity or Mood is undefined"})
		return
	}

	features, err := s.weights.TargetFeatures(r.Context(), mood, activity)
	if err != nil {
		ctxlog.FromContext(r.Context()).Error("Target feature generation failed.", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "failed to generate target features"})
		return
	}
	writeJSON(w, http.StatusOK, features)
}

// playlistRequest is the body of POST /v1/playlist. TargetFeatures may be
// supplied directly; otherwise they are generated from mood and activity.
type playlistRequest struct {
	Mood           string          `json:"mood"`
	Activity       string          `json:"activity"`
	TargetFeatures *recco.Features `json:"target_features"`
	PlaylistLength int             `json:"playlist_length"`
}

// handlePlaylist streams the run's lifecycle events as NDJSON while the task
// graph executes. The client disconnecting cancels the run through the
// request context.
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	logger := ctxlog.FromContext(r.Context())

	var req playlistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.PlaylistLength <= 0 {
		req.PlaylistLength = s.playlistLength
	}

	target := req.TargetFeatures
	if target == nil {
		if req.Mood == "" || req.Activity == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "target_features or mood and activity are required"})
			return
		}
		features, err := s.weights.TargetFeatures(r.Context(), req.Mood, req.Activity)
		if err != nil {
			logger.Error("Target feature generation failed.", "error", err)
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "failed to generate target features"})
			return
		}
		target = &features
	}

	registry := task.NewRegistry()
	if err := tasks.Register(registry, s.env); err != nil {
		logger.Error("Task registration failed.", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	run := runner.New(registry, runner.Options{TerminalTask: tasks.CompileFinalResults})
	logger.Info("Playlist run started.", "runID", run.RunID(), "playlistLength", req.PlaylistLength)

	events := run.Run(r.Context(), task.Inputs{Values: map[string]any{
		tasks.KeyTargetFeatures: target,
		tasks.KeyPlaylistLength: req.PlaylistLength,
		tasks.KeyMood:           req.Mood,
		tasks.KeyActivity:       req.Activity,
	}})

	enc := json.NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			// The client is gone; the request context cancellation stops the
			// runner, so just drain the channel.
			if !errors.Is(err, context.Canceled) {
				logger.Warn("Event write failed; client likely disconnected.", "error", err)
			}
			for range events {
			}
			return
		}
		flusher.Flush()
	}
	logger.Info("Playlist run finished.", "runID", run.RunID())
}
