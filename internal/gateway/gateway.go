// ABOUTME: Gateway orchestrator wiring sessions, protocols, projects, broker, and meetings
// ABOUTME: Owns the HTTP server lifecycle for the WebSocket and REST surfaces

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/parley-dev/parley-gateway/internal/auth"
	"github.com/parley-dev/parley-gateway/internal/broker"
	"github.com/parley-dev/parley-gateway/internal/config"
	"github.com/parley-dev/parley-gateway/internal/meeting"
	"github.com/parley-dev/parley-gateway/internal/project"
	"github.com/parley-dev/parley-gateway/internal/protocol"
	"github.com/parley-dev/parley-gateway/internal/session"
	"github.com/parley-dev/parley-gateway/internal/store"
	"github.com/parley-dev/parley-gateway/internal/topics"
)

// Gateway orchestrates the parley-gateway server components: the session
// manager, protocol registry, project registry, message router, discussion
// coordinator, and topic scheduler, all fronted by one HTTP server.
type Gateway struct {
	config    *config.Config
	store     store.Store
	sessions  *session.Manager
	protocols *protocol.Registry
	projects  *project.Registry
	router    *broker.Router
	meetings  *meeting.Coordinator
	analyzer  *topics.Analyzer
	scheduler *topics.Scheduler
	verifier  *auth.JWTVerifier

	httpServer *http.Server
	logger     *slog.Logger

	// serverID identifies this gateway instance
	serverID string
}

// initStore creates a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("PARLEY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New builds a fully wired gateway from config. Nothing starts running until
// Run is called.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithStore(cfg, s, logger)
}

// NewWithStore is New with an injected store. Tests use it with a mock.
func NewWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	projects := project.NewRegistry(s, logger)
	sessions := session.NewManager(session.Options{
		AllowReconnect: cfg.Sessions.AllowReconnect,
		IdleTimeout:    cfg.Sessions.IdleTimeout,
		CloseTimeout:   cfg.Sessions.CloseTimeout,
	}, logger)
	protocols := protocol.NewRegistry(logger)
	router := broker.NewRouter(sessions, projects, s, cfg.Broker.QueueBound, logger)

	coordinator, err := meeting.New(s, router, sessionIDResolver{sessions}, meeting.Config{
		MaxRounds:        cfg.Meetings.MaxRounds,
		RoundTimeout:     cfg.Meetings.RoundTimeout,
		AbsenceThreshold: cfg.Meetings.AbsenceThreshold,
		Policy:           cfg.Meetings.ConsensusPolicy,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating coordinator: %w", err)
	}

	analyzer := topics.NewAnalyzer(topics.Config{
		MinClusterSize: cfg.Topics.MinClusterSize,
		Window:         cfg.Topics.Window,
	})
	scheduler := topics.NewScheduler(analyzer, s, coordinator, 0, logger)

	gw := &Gateway{
		config:    cfg,
		store:     s,
		sessions:  sessions,
		protocols: protocols,
		projects:  projects,
		router:    router,
		meetings:  coordinator,
		analyzer:  analyzer,
		scheduler: scheduler,
		verifier:  auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		logger:    logger.With("component", "gateway"),
		serverID:  generateServerID(),
	}

	// Session teardown fans out to every component holding per-session
	// state: queued messages, negotiated protocols, meeting turns.
	sessions.OnClose(router.DropSession)
	sessions.OnClose(func(sessionID, identity string) {
		protocols.Forget(sessionID)
	})
	sessions.OnClose(coordinator.MarkAbsent)
	sessions.OnClose(func(sessionID, identity string) {
		gw.auditSession(store.AuditSessionClose, sessionID, identity)
	})

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	// Agent connections authenticate during the WebSocket handshake.
	mux.HandleFunc("/ws", gw.handleWebSocket)

	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// Run starts the background loops and the HTTP server, then blocks until the
// context is canceled. Returns nil on graceful shutdown or the first server
// error otherwise.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	go g.sessions.Run(ctx)
	go g.scheduler.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "server_id", g.serverID)
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, closes every live session, and closes the
// store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("HTTP shutdown: %w", err)
	}
	for _, sess := range g.sessions.List() {
		if err := g.sessions.Close(sess.ID); err != nil {
			g.logger.Warn("closing session during shutdown", "session_id", sess.ID, "error", err)
		}
	}
	if err := g.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("store close: %w", err)
	}
	g.logger.Info("gateway shut down")
	return firstErr
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the gateway can accept agents. The store
// answering a read is the readiness signal; an empty session table is normal.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.ListProjects(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "store unavailable: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", len(g.sessions.List()))
}

// auditSession records session lifecycle events. Failures are logged, never
// surfaced: audit must not take down the data path.
func (g *Gateway) auditSession(action store.AuditAction, sessionID, identity string) {
	entry := &store.AuditEntry{
		Actor:      identity,
		Action:     action,
		TargetType: "session",
		TargetID:   sessionID,
		Outcome:    "ok",
	}
	if err := g.store.AppendAuditLog(context.Background(), entry); err != nil {
		g.logger.Warn("audit append failed", "action", action, "error", err)
	}
}

// sessionIDResolver adapts session.Manager to the coordinator's resolver.
type sessionIDResolver struct {
	sessions *session.Manager
}

func (r sessionIDResolver) SessionIDFor(identity string) (string, bool) {
	sess, err := r.sessions.LookupByIdentity(identity)
	if err != nil {
		return "", false
	}
	return sess.ID, true
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("parley-gateway-%d", time.Now().UnixNano()%1000000)
}
