// Package server runs reposync as a daemon: it syncs on a fixed interval and
// on authenticated HTTP requests.
package server

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
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// SignatureHeader carries "sha256=<hex hmac of the body>" on POST /sync.
const SignatureHeader = "X-Reposync-Signature"

// DefaultDebounce is how long POST /sync waits for further requests before
// starting a run.
const DefaultDebounce = 2 * time.Second

// Runner performs one complete sync.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Options configures a Server.
type Options struct {
	// Interval between periodic syncs; 0 disables them.
	Interval time.Duration
	// Secret authenticates POST /sync; when empty the endpoint is disabled.
	Secret []byte
	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration
}

// Server implements serve mode.
type Server struct {
	runner   Runner
	opts     Options
	logger   *slog.Logger
	debounce *debouncer

	ctx context.Context // from Serve, used by debounced runs

	syncMu      sync.Mutex // guards the fields below
	syncRunning bool       // whether a sync is currently in progress
	syncPending bool       // whether another sync is needed after the current one
	lastRun     time.Time
	lastErr     error
}

// debouncer implements debouncing for trigger requests
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// New creates a Server.
func New(runner Runner, opts Options, logger *slog.Logger) *Server {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Server{
		runner:   runner,
		opts:     opts,
		logger:   logger,
		debounce: &debouncer{delay: opts.Debounce},
		ctx:      context.Background(),
	}
}

// LoadSecret reads the trigger secret from path, trimming whitespace.
func LoadSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trigger secret: %w", err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return nil, fmt.Errorf("trigger secret file %s is empty", path)
	}
	return []byte(secret), nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	if len(s.opts.Secret) > 0 {
		mux.HandleFunc("/sync", s.handleTrigger)
	}
	return mux
}

// Serve performs an initial sync, then keeps syncing on the interval and on
// requests to ln until ctx is canceled. ln may be nil to run without HTTP.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.ctx = ctx

	s.logger.Info("performing initial sync before starting server")
	s.performSync(ctx)

	if s.opts.Interval > 0 {
		go s.tick(ctx)
	}

	if ln == nil {
		<-ctx.Done()
		s.logger.Info("shutting down")
		return nil
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", ln.Addr().String(), "trigger", len(s.opts.Secret) > 0)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) tick(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logger.Debug("interval elapsed", "interval", s.opts.Interval.String())
			s.performSync(ctx)
		}
	}
}

// handleTrigger handles POST /sync
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
		s.logger.Warn("rejecting request with invalid signature", "remote_addr", r.RemoteAddr)
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	s.logger.Info("sync requested", "remote_addr", r.RemoteAddr)
	s.debounce.trigger(func() {
		s.performSync(s.ctx)
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

type healthResponse struct {
	Status    string     `json:"status"`
	Running   bool       `json:"running"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// handleHealth handles GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.syncMu.Lock()
	resp := healthResponse{Status: "ok", Running: s.syncRunning}
	if !s.lastRun.IsZero() {
		last := s.lastRun
		resp.LastRun = &last
	}
	if s.lastErr != nil {
		resp.LastError = s.lastErr.Error()
	}
	s.syncMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// verifySignature checks a "sha256=<hex>" HMAC of body.
func (s *Server) verifySignature(body []byte, signature string) bool {
	if len(s.opts.Secret) == 0 || !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.opts.Secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// performSync runs the sync with single-flight semantics.
// If a sync is already in progress, at most one additional run is queued;
// further concurrent requests are dropped.
func (s *Server) performSync(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		err := s.runner.Run(ctx)
		if err != nil {
			s.logger.Error("sync failed", "error", err)
		}

		s.syncMu.Lock()
		s.lastRun = time.Now()
		s.lastErr = err
		if !s.syncPending || ctx.Err() != nil {
			s.syncPending = false
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
