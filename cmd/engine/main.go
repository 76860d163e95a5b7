package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"chroma_accord/internal/config"
	"chroma_accord/internal/problem"
	"chroma_accord/internal/session"
	sqlitestore "chroma_accord/internal/store/sqlite"
)

type app struct {
	cfg      config.Config
	sessions *session.Service
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.chroma_accord/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	problemFlag := flag.String("problem", "", "default problem file override")
	demo := flag.Bool("demo", false, "bootstrap a demo session on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if *configPath == "" && errors.Is(err, os.ErrNotExist) {
			cfg = config.Default()
		} else {
			log.Fatalf("load config: %v", err)
		}
	}

	addr := firstNonEmpty(*addrFlag, cfg.Server.Addr, ":8094")
	dbPath := firstNonEmpty(*dbPathFlag, cfg.Server.DBPath, "data/chroma_accord.db")
	problemPath := firstNonEmpty(*problemFlag, cfg.Server.ProblemPath)
	dbPath = filepath.Clean(dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	svc := session.New(store, session.Config{
		ConflictPenalty:      cfg.Engine.ConflictPenalty,
		ImprovementThreshold: cfg.Engine.ImprovementThreshold,
		OfferExpiryTurns:     cfg.Engine.OfferExpiryTurns,
		ExhaustiveCeiling:    cfg.Engine.ExhaustiveCeiling,
		MaxTurns:             cfg.Engine.MaxTurns,
	}, log.Default())

	if *demo {
		if err := bootstrapDemo(ctx, svc); err != nil {
			log.Printf("demo bootstrap failed: %v", err)
		}
	}

	a := &app{
		cfg:      cfg,
		sessions: svc,
	}
	a.cfg.Server.ProblemPath = problemPath

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/sessions", a.handleSessions)
	mux.HandleFunc("/sessions/", a.handleSessionByID)

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("chroma_accord started addr=%s db=%s problem=%s", addr, dbPath, problemPath)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path": a.cfg.Path,
		"raw":  a.cfg.Raw,
	})
}

func (a *app) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessions, err := a.sessions.ListSessions(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, sessions)
	case http.MethodPost:
		var req struct {
			ProblemPath string `json:"problem_path"`
			Run         bool   `json:"run"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		path := firstNonEmpty(req.ProblemPath, a.cfg.Server.ProblemPath)
		if path == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("problem_path is required"))
			return
		}
		prob, err := problem.Load(path)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sess, err := a.sessions.CreateSession(r.Context(), prob)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		if req.Run {
			sess, err = a.sessions.Run(r.Context(), sess.ID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
		}
		writeJSON(w, http.StatusCreated, sess)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(trimmed, "/")
	sessionID := parts[0]
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("session id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		sess, err := a.sessions.GetSession(r.Context(), sessionID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
		return
	}

	action := parts[1]
	switch action {
	case "run":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		sess, err := a.sessions.Run(r.Context(), sessionID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case "step":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		sess, err := a.sessions.Step(r.Context(), sessionID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case "force":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Party  string `json:"party"`
			Node   string `json:"node"`
			Colour string `json:"colour"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if req.Party == "" || req.Node == "" || req.Colour == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("party, node, colour are required"))
			return
		}
		if err := a.sessions.ForceColour(sessionID, req.Party, req.Node, req.Colour); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "forced", "session_id": sessionID})
	case "reset":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := a.sessions.ResetPhase(sessionID); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "phase reset", "session_id": sessionID})
	case "parties":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		items, err := a.sessions.PartyStates(sessionID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "moves":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		items, err := a.sessions.ListMoves(r.Context(), sessionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "offers":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		items, err := a.sessions.ListOffers(r.Context(), sessionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "decisions":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		items, err := a.sessions.ListDecisions(r.Context(), sessionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
	}
}

// bootstrapDemo builds a small two-party map-colouring problem and negotiates
// it to completion, so a fresh install has something to look at in the monitor.
func bootstrapDemo(ctx context.Context, svc *session.Service) error {
	prob, err := problem.New(
		"demo-two-region-map",
		[]string{"red", "green", "blue"},
		[]problem.Node{
			{ID: "a1", Owner: "alice", Preferences: map[string]float64{"red": 2}},
			{ID: "a2", Owner: "alice", Fixed: "blue"},
			{ID: "b1", Owner: "bob", Preferences: map[string]float64{"red": 1, "green": 1}},
			{ID: "b2", Owner: "bob"},
		},
		[]problem.Edge{
			{A: "a1", B: "a2"},
			{A: "a1", B: "b1"},
			{A: "a2", B: "b2"},
			{A: "b1", B: "b2"},
		},
	)
	if err != nil {
		return err
	}

	sess, err := svc.CreateSession(ctx, prob)
	if err != nil {
		return err
	}
	sess, err = svc.Run(ctx, sess.ID)
	if err != nil {
		return err
	}
	log.Printf("demo session finished id=%s status=%s turns=%d", sess.ID, sess.Status, sess.Turn)
	return nil
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
