package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/austindbirch/claimrelay/internal/config"
	"github.com/austindbirch/claimrelay/internal/delivery"
	"github.com/austindbirch/claimrelay/internal/logging"
)

// receiver answers callbacks with a scripted sequence of status codes. Each idempotency
// key advances the script independently; once a key has been acknowledged with a 2xx,
// repeats are answered 200 without being counted as new deliveries.
type receiver struct {
	cfg config.FakeReceiver
	log *logging.Logger
	now func() time.Time

	mu        sync.Mutex
	attempts  map[string]int
	delivered map[string]bool
	received  int
	duplicate int
}

func newReceiver(cfg config.FakeReceiver, log *logging.Logger) *receiver {
	if len(cfg.ResponseCodes) == 0 {
		cfg.ResponseCodes = []int{http.StatusOK}
	}
	return &receiver{
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		attempts:  map[string]int{},
		delivered: map[string]bool{},
	}
}

func (r *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", r.handleHook)
	mux.HandleFunc("/stats", r.handleStats)
	return mux
}

// codeFor returns the scripted code for the n-th attempt (1-based); the last code repeats
func (r *receiver) codeFor(n int) int {
	if n > len(r.cfg.ResponseCodes) {
		return r.cfg.ResponseCodes[len(r.cfg.ResponseCodes)-1]
	}
	return r.cfg.ResponseCodes[n-1]
}

func (r *receiver) handleHook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	defer req.Body.Close()

	if r.cfg.SigningSecret != "" {
		if msg := verifySignature(r.cfg.SigningSecret, body, req.Header.Get(delivery.HeaderTimestamp),
			req.Header.Get(delivery.HeaderSignature), r.cfg.SigningLeeway, r.now()); msg != "" {
			r.log.Plain().WithField("reason", msg).Warn("signature verification failed")
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
	}

	key := req.Header.Get(delivery.HeaderIdempotencyKey)
	entry := r.log.Plain().
		WithReference(req.Header.Get(delivery.HeaderReferenceID)).
		WithCorrelation(req.Header.Get(delivery.HeaderCorrelationID)).
		WithField("idempotency_key", key)

	r.mu.Lock()
	if key != "" && r.delivered[key] {
		r.duplicate++
		r.mu.Unlock()
		entry.Info("duplicate delivery acknowledged")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"duplicate":true}`))
		return
	}
	r.attempts[key]++
	n := r.attempts[key]
	code := r.codeFor(n)
	if code >= 200 && code < 300 {
		r.received++
		if key != "" {
			r.delivered[key] = true
		}
	}
	r.mu.Unlock()

	if r.cfg.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(r.cfg.ResponseDelayMS) * time.Millisecond)
	}

	entry.WithFields(map[string]any{
		"attempt": n,
		"code":    code,
		"body":    truncate(string(body), 160),
	}).Info("callback received")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"code":%d}`, code)
}

type stats struct {
	Received   int `json:"received"`
	Duplicates int `json:"duplicates"`
	Keys       int `json:"keys"`
}

func (r *receiver) handleStats(w http.ResponseWriter, _ *http.Request) {
	r.mu.Lock()
	st := stats{Received: r.received, Duplicates: r.duplicate, Keys: len(r.attempts)}
	r.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

// verifySignature returns an empty string when the signature is valid, else the reason
func verifySignature(secret string, body []byte, ts, sig string, leeway time.Duration, now time.Time) string {
	if ts == "" || sig == "" {
		return "missing headers"
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "invalid timestamp"
	}
	if abs64(now.Unix()-unix) > int64(leeway.Seconds()) {
		return "timestamp too far from now (outside leeway)"
	}
	if !delivery.VerifySignature(secret, body, ts, sig) {
		return "sig mismatch"
	}
	return ""
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}

func main() {
	cfg := config.Load()
	logger := logging.New("fake-receiver")
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	r := newReceiver(cfg.FakeReceiver, logger)
	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      r.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":   srv.Addr,
			"codes":  cfg.FakeReceiver.ResponseCodes,
			"signed": cfg.FakeReceiver.SigningSecret != "",
		}).Info("fake-receiver listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("fake-receiver failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
