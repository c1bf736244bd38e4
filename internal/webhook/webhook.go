// Package webhook triggers reconciliation runs from GitHub push events.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schaermu/nodeconf/internal/activation"
	"github.com/schaermu/nodeconf/internal/config"
	"github.com/schaermu/nodeconf/internal/manager"
	"github.com/schaermu/nodeconf/internal/workspace"
)

const (
	maxBodyBytes  = 1 << 20
	debounceDelay = 2 * time.Second
)

// Runner performs one reconciliation run.
type Runner interface {
	Run(ctx context.Context, opts workspace.Options) (*manager.Result, error)
}

// PushEvent holds the fields of a GitHub push payload the server logs and
// filters on.
type PushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Server accepts webhook deliveries and serves run metrics.
type Server struct {
	cfg      *config.Config
	runner   Runner
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	secret   []byte
	opts     workspace.Options

	runMu     sync.Mutex // guards running and pending
	running   bool
	pending   bool
	debouncer *debouncer
}

// debouncer coalesces bursts of triggers into a single call.
type debouncer struct {
	mu    sync.Mutex
	timer *time.Timer
	delay time.Duration
	fn    func()
}

// NewServer creates a webhook server. gatherer may be nil, in which case
// /metrics is not served.
func NewServer(cfg *config.Config, runner Runner, gatherer prometheus.Gatherer, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	return &Server{
		cfg:       cfg,
		runner:    runner,
		gatherer:  gatherer,
		logger:    logger,
		secret:    []byte(strings.TrimSpace(string(secret))),
		opts:      runOptions(cfg.Serve.Mode),
		debouncer: &debouncer{delay: debounceDelay},
	}, nil
}

// runOptions maps the configured serve mode to run options. Audit runs
// never write; deploy runs also audit so drift is reported before it is
// overwritten.
func runOptions(mode config.Mode) workspace.Options {
	if mode == config.ModeAudit {
		return workspace.Options{Audit: true}
	}
	return workspace.Options{Audit: true, Deploy: true}
}

// Handler returns the HTTP handler serving the webhook and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/", s.handleWebhook)
	return mux
}

// Start performs an initial run and then serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("performing initial run before starting webhook server", "mode", s.cfg.Serve.Mode)
	s.performRun(ctx)

	ln, inherited, err := activation.Listen(s.cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", ln.Addr().String(), "socket_activated", inherited)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if ct := r.Header.Get("Content-Type"); ct != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", ct)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", "event", eventType)

	if !allowed(s.cfg.Serve.AllowedEventTypes, eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		reply(w, "Event type not configured for runs")
		return
	}

	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !allowed(s.cfg.Serve.AllowedRefs, event.Ref) {
		s.logger.Info("ignoring disallowed ref", "ref", event.Ref)
		reply(w, "Ref not configured for runs")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	s.debouncer.trigger(func() {
		s.performRun(context.Background())
	})
	reply(w, "Run triggered")
}

func reply(w http.ResponseWriter, msg string) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintln(w, msg)
}

// verifySignature checks the sha256=<hex> HMAC GitHub sends with each delivery.
func (s *Server) verifySignature(body []byte, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || hexSig == "" {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(hexSig), []byte(expected))
}

// allowed reports whether value is listed. An empty list allows everything.
func allowed(list []string, value string) bool {
	return len(list) == 0 || slices.Contains(list, value)
}

// performRun executes a run with single-flight semantics: while a run is in
// progress at most one further run is queued and extra requests are dropped.
func (s *Server) performRun(ctx context.Context) {
	s.runMu.Lock()
	if s.running {
		s.pending = true
		s.runMu.Unlock()
		s.logger.Info("run already in progress, queuing pending re-run")
		return
	}
	s.running = true
	s.runMu.Unlock()

	for {
		s.runOnce(ctx)

		s.runMu.Lock()
		if !s.pending {
			s.running = false
			s.runMu.Unlock()
			return
		}
		s.pending = false
		s.runMu.Unlock()

		s.logger.Info("re-running due to pending request")
	}
}

func (s *Server) runOnce(ctx context.Context) {
	res, err := s.runner.Run(ctx, s.opts)
	switch {
	case err != nil:
		s.logger.Error("run failed", "error", err)
	case res.ErrorCount > 0 || len(res.Failures) > 0:
		s.logger.Warn("run completed with failures", "errors", res.ErrorCount, "failures", len(res.Failures))
	default:
		s.logger.Info("run completed successfully")
	}
}

// trigger (re)arms the timer; only the last fn passed before it fires runs.
func (d *debouncer) trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.fn = fn
	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.fn
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
