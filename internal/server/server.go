package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"

	"github.com/gravitas-games/kitkeeper/internal/config"
	"github.com/gravitas-games/kitkeeper/internal/store"
	"github.com/gravitas-games/kitkeeper/pkg/models"
)

// Authenticator turns a bearer token into a player
type Authenticator interface {
	ValidateToken(ctx context.Context, token string) (*models.Player, error)
}

// Server represents the loadout server
type Server struct {
	config   *config.Config
	session  *Session
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	auth     Authenticator
	redis    *redis.Client

	// Connection tracking
	connections map[*Connection]bool
	connMu      sync.RWMutex

	// Shutdown
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new server instance. Without a Redis address loadouts are
// kept in memory and the token blacklist is not consulted.
func New(cfg *config.Config) (*Server, error) {
	log.Println("Initializing server...")

	ctx, cancel := context.WithCancel(context.Background())

	var (
		redisClient *redis.Client
		st          store.Store = store.NewMemoryStore()
	)
	if cfg.Redis.Address != "" {
		// Initialize Redis client
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		// Test Redis connection
		if err := redisClient.Ping(ctx).Err(); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		log.Println("Connected to Redis")
		st = store.NewRedisStore(redisClient, cfg.Redis.LoadoutPrefix)
	} else {
		log.Println("No Redis address configured, keeping loadouts in memory")
	}

	// Initialize JWT validator
	validator, err := NewJWTValidator(ctx, cfg, redisClient)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize JWT validator: %w", err)
	}

	// Initialize session
	session, err := NewSession("main", cfg, st)
	if err != nil {
		cancel()
		return nil, err
	}

	srv := newServer(ctx, cancel, cfg, session, validator)
	srv.redis = redisClient

	log.Println("Server initialized successfully")
	return srv, nil
}

func newServer(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, session *Session, auth Authenticator) *Server {
	srv := &Server{
		config:      cfg,
		session:     session,
		auth:        auth,
		connections: make(map[*Connection]bool),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{"access_token"},
			CheckOrigin: func(r *http.Request) bool {
				// bridges are game processes, not browsers
				return true
			},
		},
	}

	go func() {
		defer close(srv.done)
		session.Run(ctx)
	}()
	return srv
}

// Handler returns the HTTP routes served by the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Start begins listening for connections
func (s *Server) Start(addr string) error {
	log.Printf("Starting WebSocket server on %s", addr)

	// Create HTTP server
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server
	log.Printf("WebSocket endpoint: ws://%s/ws", addr)
	log.Printf("Health endpoint: http://%s/health", addr)

	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	log.Println("Shutting down server...")

	// Cancel context to signal shutdown
	s.cancel()
	<-s.done

	// Shutdown HTTP server with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}

	// Close all WebSocket connections
	s.connMu.RLock()
	conns := make([]*Connection, 0, len(s.connections))
	for conn := range s.connections {
		conns = append(conns, conn)
	}
	s.connMu.RUnlock()
	for _, conn := range conns {
		conn.Close()
	}

	// Persist and close the session
	s.session.Close(ctx)

	// Close Redis connection
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Printf("Redis close error: %v", err)
		}
	}

	log.Println("Server shutdown complete")
	return nil
}

// handleWebSocket handles WebSocket connection requests
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	log.Printf("New WebSocket connection request from %s", r.RemoteAddr)

	// Extract JWT token from header
	tokenString := extractTokenFromHeader(r)
	if tokenString == "" {
		log.Printf("Missing JWT token from %s", r.RemoteAddr)
		http.Error(w, "Missing authentication token", http.StatusUnauthorized)
		return
	}

	// Validate JWT token
	player, err := s.auth.ValidateToken(r.Context(), tokenString)
	if err != nil {
		log.Printf("Invalid JWT token from %s: %v", r.RemoteAddr, err)
		http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
		return
	}

	log.Printf("Authenticated user: %s (%s) from %s", player.Username, player.ID, r.RemoteAddr)

	// Upgrade HTTP connection to WebSocket
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := NewConnection(ws, s, player)

	// Register connection
	s.connMu.Lock()
	s.connections[conn] = true
	s.connMu.Unlock()

	log.Printf("WebSocket connection established: %s (%s)", player.Username, r.RemoteAddr)

	// Handle connection (blocking)
	conn.Handle()

	// Unregister connection when done
	s.connMu.Lock()
	delete(s.connections, conn)
	s.connMu.Unlock()

	log.Printf("WebSocket connection closed: %s (%s)", player.Username, r.RemoteAddr)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleStatus reports the session status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.session.GetStatus()); err != nil {
		log.Printf("Failed to encode status: %v", err)
	}
}
