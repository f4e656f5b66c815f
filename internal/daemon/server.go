package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/exhazordinary/pr-comprehension-gate/internal/config"
	"github.com/exhazordinary/pr-comprehension-gate/internal/gate"
	"github.com/exhazordinary/pr-comprehension-gate/internal/github"
	"github.com/exhazordinary/pr-comprehension-gate/internal/storage"
	"github.com/exhazordinary/pr-comprehension-gate/internal/version"
)

// maxWebhookBody bounds webhook payloads. GitHub caps payloads at
// 25MB; large-PR payloads stay well under 1MB because file contents
// arrive via the API, not the hook.
const maxWebhookBody = 5 * 1024 * 1024

// Server is the HTTP surface of the gate daemon: the GitHub webhook
// receiver plus a small query API for the CLI.
type Server struct {
	cfg        *config.Config
	db         *storage.DB
	orch       *gate.Orchestrator
	dispatcher *gate.Dispatcher
	httpServer *http.Server
	cron       *cron.Cron
	startTime  time.Time
}

// NewServer wires the daemon together around an orchestrator.
func NewServer(cfg *config.Config, db *storage.DB, orch *gate.Orchestrator) *Server {
	s := &Server{
		cfg:        cfg,
		db:         db,
		orch:       orch,
		dispatcher: gate.NewDispatcher(),
		cron:       cron.New(),
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/github", s.handleWebhook)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/record", s.handleRecord)
	mux.HandleFunc("/api/status", s.handleStatus)

	s.httpServer = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: mux,
	}

	return s
}

// Start runs the server until ListenAndServe returns. The delivery
// ledger is pruned hourly in the background.
func (s *Server) Start() error {
	s.cron.AddFunc("@hourly", func() {
		n, err := s.db.PruneDeliveries(s.cfg.LedgerRetention())
		if err != nil {
			log.Printf("[server] ledger prune failed: %v", err)
			return
		}
		if n > 0 {
			log.Printf("[server] pruned %d delivery record(s)", n)
		}
	})
	s.cron.Start()

	log.Printf("[server] listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		s.cron.Stop()
		s.dispatcher.Stop()
		return err
	}
	return nil
}

// Stop gracefully shuts down the server, draining in-flight event
// processing first.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.cron.Stop()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("[server] shutdown error: %v", err)
	}
	s.dispatcher.Stop()
	return nil
}

// Drain waits for all dispatched events to finish. Used by tests.
func (s *Server) Drain() {
	s.dispatcher.Drain()
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// handleWebhook is the GitHub delivery entrypoint. It verifies the
// signature, dedupes on the delivery id, normalizes the event, and
// acks immediately; processing runs on the per-PR dispatcher.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read payload")
		return
	}

	if !github.VerifySignature(body, r.Header.Get("X-Hub-Signature-256"), s.cfg.WebhookSecret) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if deliveryID == "" {
		writeError(w, http.StatusBadRequest, "missing delivery id")
		return
	}
	fresh, err := s.db.MarkDelivery(deliveryID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "delivery ledger")
		return
	}
	if !fresh {
		log.Printf("[server] duplicate delivery %s, ignoring", deliveryID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	switch event {
	case "pull_request":
		ev, err := parsePullRequestEvent(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if ev != nil {
			s.dispatch(storage.Key(ev.Repo, ev.PRNumber), deliveryID, func(ctx context.Context) error {
				return s.orch.HandlePullRequest(ctx, *ev)
			})
		}
	case "issue_comment":
		ev, err := parseCommentEvent(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if ev != nil {
			s.dispatch(storage.Key(ev.Repo, ev.PRNumber), deliveryID, func(ctx context.Context) error {
				return s.orch.HandleComment(ctx, *ev)
			})
		}
	case "ping":
		// GitHub sends ping on webhook creation.
	default:
		log.Printf("[server] ignoring %s event (delivery %s)", event, deliveryID)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) dispatch(key, deliveryID string, fn func(context.Context) error) {
	ok := s.dispatcher.Submit(key, func() {
		if err := fn(context.Background()); err != nil {
			log.Printf("[server] processing delivery %s: %v", deliveryID, err)
		}
	})
	if !ok {
		log.Printf("[server] dropped delivery %s for %s", deliveryID, key)
	}
}

// handleHealth is liveness only: it answers as long as the process
// serves HTTP. Dependency state is reported by /api/status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": version.Version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Metrics().Snapshot())
}

// handleRecord returns the active generation for a PR, or all of its
// generations with ?all=1.
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	repo := r.URL.Query().Get("repo")
	prStr := r.URL.Query().Get("pr")
	if repo == "" || prStr == "" {
		writeError(w, http.StatusBadRequest, "repo and pr are required")
		return
	}
	prNumber, err := strconv.Atoi(prStr)
	if err != nil || prNumber <= 0 {
		writeError(w, http.StatusBadRequest, "pr must be a positive integer")
		return
	}

	if r.URL.Query().Get("all") == "1" {
		records, err := s.db.ListGenerations(repo, prNumber)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
		return
	}

	rec, err := s.db.GetActiveRecord(repo, prNumber)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "no active record for this PR")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	counts, err := s.db.StateCounts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	deliveries, err := s.db.DeliveryCount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":    version.Version,
		"uptime":     time.Since(s.startTime).Round(time.Second).String(),
		"states":     counts,
		"deliveries": deliveries,
		"metrics":    s.orch.Metrics().Snapshot(),
	})
}
