package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yourorg/rerunner/internal/apiclient"
	"github.com/yourorg/rerunner/internal/artifact"
	"github.com/yourorg/rerunner/internal/config"
	"github.com/yourorg/rerunner/internal/devops"
	"github.com/yourorg/rerunner/internal/filter"
	"github.com/yourorg/rerunner/internal/junit"
	"github.com/yourorg/rerunner/internal/logging"
	"github.com/yourorg/rerunner/internal/runner"
	"github.com/yourorg/rerunner/internal/secret"
	"github.com/yourorg/rerunner/internal/store"
	"github.com/yourorg/rerunner/pkg/types"
)

// BuildLister lists candidate builds for a project.
type BuildLister interface {
	ListBuildsInRange(ctx context.Context, s devops.Session, project, rangeName string) ([]types.Build, error)
}

// ReportFetcher stages a build's report file and parses it.
type ReportFetcher interface {
	FetchAndParse(ctx context.Context, s devops.Session, ref devops.BuildRef, nameHint string, parse func(path string) (*types.Report, error)) (*types.Report, error)
}

// Rerunner executes a selection of tests.
type Rerunner interface {
	Rerun(ctx context.Context, tests []types.TestIdentity, mode runner.Mode, env string) ([]types.TestOutcome, error)
}

// Decrypter turns a stored token into the provider secret.
type Decrypter interface {
	Decrypt(token string) (string, error)
}

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Builds  BuildLister
	Reports ReportFetcher
	Runner  Rerunner
	Secrets Decrypter
	Store   store.Store
	Logger  *slog.Logger
}

// Server exposes build listing, test listing and reruns over HTTP.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger
	mux    *http.ServeMux
}

// New constructs a new Server with routes registered.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if deps.Builds == nil || deps.Reports == nil || deps.Runner == nil || deps.Secrets == nil {
		return nil, errors.New("server dependencies are incomplete")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.New("server")
	}
	srv := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	srv.registerRoutes()
	return srv, nil
}

// Handler returns the http handler.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- hs.ListenAndServe() }()
	s.logger.Info("listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/api/builds", s.handleBuilds)
	s.mux.HandleFunc("/api/tests", s.handleTests)
	s.mux.HandleFunc("/api/rerun", s.handleRerun)

	// Paths used by the existing front end.
	s.mux.HandleFunc("/getTests", s.handleTests)
	s.mux.HandleFunc("/rerun", s.handleRerun)
}

type userRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	PAT      string `json:"pat"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleBuilds(w http.ResponseWriter, r *http.Request) {
	if !s.preflight(w, r) {
		return
	}
	var req struct {
		User      userRef `json:"user"`
		ProjectID string  `json:"projectId"`
		Range     string  `json:"range"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResult(w, http.StatusBadRequest, nil, "invalid json: "+err.Error())
		return
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		writeResult(w, http.StatusBadRequest, nil, "projectId required")
		return
	}
	sess, err := s.session(req.User)
	if err != nil {
		s.writeError(w, err)
		return
	}

	builds, err := s.deps.Builds.ListBuildsInRange(s.apiContext(r), sess, req.ProjectID, req.Range)
	if err != nil {
		s.writeError(w, err, sess.Secret)
		return
	}
	writeResult(w, http.StatusOK, builds, "")
}

func (s *Server) handleTests(w http.ResponseWriter, r *http.Request) {
	if !s.preflight(w, r) {
		return
	}
	var req struct {
		User      userRef     `json:"user"`
		ProjectID string      `json:"projectId"`
		BuildID   json.Number `json:"buildId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResult(w, http.StatusBadRequest, nil, "invalid json: "+err.Error())
		return
	}
	buildID, err := strconv.Atoi(req.BuildID.String())
	if err != nil || strings.TrimSpace(req.ProjectID) == "" {
		writeResult(w, http.StatusBadRequest, nil, "projectId and numeric buildId required")
		return
	}
	sess, err := s.session(req.User)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ref := devops.BuildRef{Project: req.ProjectID, BuildID: buildID}
	report, err := s.deps.Reports.FetchAndParse(s.apiContext(r), sess, ref, s.cfg.Provider.ArtifactName, junit.Parse)
	if err != nil {
		s.writeError(w, err, sess.Secret)
		return
	}
	writeResult(w, http.StatusOK, report, "")
}

func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	if !s.preflight(w, r) {
		return
	}
	var req struct {
		User  userRef              `json:"user"`
		Tests []types.TestIdentity `json:"tests"`
		Mode  string               `json:"mode"`
		Env   string               `json:"env"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResult(w, http.StatusBadRequest, nil, "invalid json: "+err.Error())
		return
	}
	mode, err := runner.ParseMode(req.Mode)
	if err != nil {
		writeResult(w, http.StatusBadRequest, nil, err.Error())
		return
	}
	tests := make([]types.TestIdentity, 0, len(req.Tests))
	for _, t := range req.Tests {
		id, err := types.NewTestIdentity(t.ID, t.Classname, t.FeatureName, t.ScenarioName, t.Example)
		if err != nil {
			writeResult(w, http.StatusBadRequest, nil, fmt.Sprintf("test %d: %v", t.ID, err))
			return
		}
		tests = append(tests, id)
	}

	// Runner processes are never aborted, even if the client goes away.
	outcomes, err := s.deps.Runner.Rerun(context.WithoutCancel(r.Context()), tests, mode, req.Env)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, outcomes, "")
}

// preflight sets CORS headers and answers OPTIONS. It returns false when the
// request has been fully handled.
func (s *Server) preflight(w http.ResponseWriter, r *http.Request) bool {
	setCORS(w, s.cfg.Server.CORSOrigin)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// session resolves the caller's provider secret, either from the encrypted
// token in the request or from the credential store.
func (s *Server) session(u userRef) (devops.Session, error) {
	token := u.PAT
	if token == "" {
		if u.ID == "" {
			return devops.Session{}, errMissingCredential
		}
		if s.deps.Store == nil {
			return devops.Session{}, errMissingCredential
		}
		cred, err := s.deps.Store.GetCredential(u.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return devops.Session{}, errMissingCredential
			}
			return devops.Session{}, err
		}
		token = cred.Token
	}
	plain, err := s.deps.Secrets.Decrypt(token)
	if err != nil {
		return devops.Session{}, err
	}
	return devops.Session{Caller: callerID(u), Secret: plain}, nil
}

// callerID is the rate-limit identity of a request.
func callerID(u userRef) string {
	switch {
	case u.ID != "":
		return u.ID
	case u.Username != "":
		return "name:" + u.Username
	default:
		return "pat:" + apiclient.CacheKey(u.PAT)[:16]
	}
}

// apiContext detaches provider work from the inbound request. Stuck calls are
// bounded per attempt by the client timeout so that timeouts stay retryable.
func (s *Server) apiContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

var errMissingCredential = errors.New("no credential for user")

// writeError maps a failure onto the response envelope. Missing data is a
// 404 result inside a 200 response so the front end can render it as empty.
// Provider bodies are echoed back, so secrets are scrubbed from the message.
func (s *Server) writeError(w http.ResponseWriter, err error, secrets ...string) {
	msg := filter.RedactSecrets(err.Error(), secrets...)
	switch {
	case errors.Is(err, artifact.ErrArtifactNotFound),
		errors.Is(err, artifact.ErrReportEntryNotFound),
		apiclient.IsStatus(err, http.StatusNotFound):
		writeJSON(w, http.StatusOK, types.APIResult{Status: http.StatusNotFound, Data: []any{}, Error: msg})
	case errors.Is(err, apiclient.ErrRateLimited), apiclient.IsThrottled(err):
		writeResult(w, http.StatusTooManyRequests, nil, "too many requests, slow down and try again shortly")
	case errors.Is(err, secret.ErrMalformedToken), errors.Is(err, errMissingCredential):
		writeResult(w, http.StatusBadRequest, nil, msg)
	case apiclient.IsStatus(err, http.StatusUnauthorized), apiclient.IsStatus(err, http.StatusForbidden):
		writeResult(w, http.StatusUnauthorized, nil, "provider rejected the credential")
	case errors.Is(err, junit.ErrMalformedReport):
		writeResult(w, http.StatusUnprocessableEntity, nil, msg)
	case errors.Is(err, runner.ErrUnknownMode):
		writeResult(w, http.StatusBadRequest, nil, msg)
	default:
		s.logger.Error("upstream failure", "error", msg)
		writeResult(w, http.StatusBadGateway, nil, "upstream failure: "+msg)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeResult(w http.ResponseWriter, status int, data any, msg string) {
	writeJSON(w, status, types.APIResult{Status: status, Data: data, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func setCORS(w http.ResponseWriter, origin string) {
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}
