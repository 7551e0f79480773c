// Package server exposes the relay over HTTP: REST endpoints for session
// lifecycle and the command catalog, and a websocket endpoint carrying the
// message envelopes. The websocket is treated as an opaque ordered channel;
// all relay semantics live in the router.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tetherdev/tether/internal/commands"
	"github.com/tetherdev/tether/internal/errors"
	"github.com/tetherdev/tether/internal/logging"
	"github.com/tetherdev/tether/internal/relay"
	"github.com/tetherdev/tether/internal/session"
)

// Config holds the HTTP server settings.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
}

// Server wires the registry, router, and command catalog to HTTP.
type Server struct {
	config   Config
	registry *session.Registry
	router   *relay.Router
	catalog  *commands.Catalog
	logger   *logging.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New creates a server. Call Start to listen.
func New(cfg Config, registry *session.Registry, router *relay.Router, catalog *commands.Catalog, logger *logging.Logger) *Server {
	return &Server{
		config:   cfg,
		registry: registry,
		router:   router,
		catalog:  catalog,
		logger:   logger.WithComponent("server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The assistant is driven from the app shell, which may be
			// served from a different origin than the relay.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/sessions", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions", s.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)
	r.HandleFunc("/api/commands", s.handleListCommands).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket)
	return r
}

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("listening", "addr", s.config.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// sessionJSON is the REST representation of a session.
type sessionJSON struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Color           string    `json:"color,omitempty"`
	WorkDir         string    `json:"workDir,omitempty"`
	ConnectionState string    `json:"connectionState"`
	HasUnread       bool      `json:"hasUnread"`
	DetectedOptions []string  `json:"detectedOptions,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

func toSessionJSON(info session.Info) sessionJSON {
	return sessionJSON{
		ID:              info.ID,
		Name:            info.Name,
		Color:           info.Color,
		WorkDir:         info.WorkDir,
		ConnectionState: string(info.State),
		HasUnread:       info.HasUnread,
		DetectedOptions: info.DetectedOptions,
		CreatedAt:       info.CreatedAt,
	}
}

type createSessionRequest struct {
	Name    string `json:"name"`
	Color   string `json:"color"`
	WorkDir string `json:"workDir"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.registry.Create(req.Name, req.Color, req.WorkDir)
	if err != nil {
		s.logger.Error("session create failed", "error", err)
		httpError(w, http.StatusBadGateway, "could not start session process")
		return
	}
	writeJSON(w, http.StatusCreated, toSessionJSON(sess.Snapshot()))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.List()
	out := make([]sessionJSON, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionJSON(sess.Snapshot()))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.registry.Terminate(id); err != nil {
		if errors.IsNotFound(err) {
			httpError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("session terminate failed", "session_id", id, "error", err)
		httpError(w, http.StatusInternalServerError, "terminate failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.Commands())
}

// handleWebSocket runs one client connection: decode envelopes and drive
// the router until the socket drops, then release its subscriptions.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn := newWSConn(uuid.New().String(), ws)
	logger := s.logger.WithConn(conn.ID())
	logger.Info("client connected", "remote", r.RemoteAddr)

	defer func() {
		s.router.DropConnection(conn.ID())
		conn.Close()
		logger.Info("client disconnected")
	}()

	for {
		var msg relay.Message
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("read failed", "error", err)
			}
			return
		}
		s.dispatch(conn, msg, logger)
	}
}

// dispatch routes one client envelope. Failures are reported back on the
// same connection; they never close it.
func (s *Server) dispatch(conn *wsConn, msg relay.Message, logger *logging.Logger) {
	var err error
	switch msg.Type {
	case relay.TypeSubscribe:
		sessionID := msg.SessionID
		if sessionID == "" {
			var sess *session.Session
			if sess, err = s.registry.GetDefault(); err == nil {
				sessionID = sess.ID()
			}
		}
		if err == nil {
			err = s.router.Subscribe(conn, sessionID)
		}
	case relay.TypeUnsubscribe:
		s.router.Unsubscribe(conn.ID(), msg.SessionID)
	case relay.TypeInput:
		err = s.router.Input(conn.ID(), msg.SessionID, []byte(msg.Bytes))
	case relay.TypeResize:
		err = s.router.Resize(conn.ID(), msg.SessionID, msg.Cols, msg.Rows)
	default:
		err = errors.New("unknown message type: " + msg.Type)
	}

	if err != nil {
		logger.Warn("request rejected", "type", msg.Type, "session_id", msg.SessionID, "error", err)
		if sendErr := conn.Send(relay.NewErrorMessage(msg.SessionID, err.Error())); sendErr != nil {
			logger.Warn("error reply failed", "error", sendErr)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
