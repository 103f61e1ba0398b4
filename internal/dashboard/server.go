// Package dashboard serves the daemon's local control and status endpoints.
//
// Status changes and user notifications are pushed to WebSocket clients on
// /ws. The CLI drives the running daemon through the JSON endpoints with
// Client.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"melissi-go/internal/melissi"
)

// MessageType defines the type of a pushed message.
type MessageType string

const (
	// MessageTypeStatus carries a melissi.Status snapshot.
	MessageTypeStatus MessageType = "status"

	// MessageTypeNotification carries a melissi.Notification.
	MessageTypeNotification MessageType = "notification"
)

// Message is one WebSocket broadcast.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// RemoteDeletion is the body of POST /remote-deletions.
type RemoteDeletion struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

// Controller is the part of the sync engine the endpoints drive.
// *melissi.Engine implements it.
type Controller interface {
	Status() melissi.Status
	Pause()
	Resume()
	Resync() error
	RemoteDeleted(kind string, id int64) error
	Notifications() []melissi.Notification
}

var _ Controller = (*melissi.Engine)(nil)

// Config holds server configuration.
type Config struct {
	// Listen is the host:port to bind. Port 0 picks a free port.
	Listen string

	Logger melissi.Logger
}

// Server manages WebSocket connections and the control endpoints.
type Server struct {
	addr     string
	ctrl     Controller
	lnMu     sync.Mutex
	listener net.Listener
	server   *http.Server
	mux      *http.ServeMux

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger melissi.Logger
}

// NewServer creates a server for ctrl. It does not listen until Start.
func NewServer(ctrl Controller, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = melissi.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr:      cfg.Listen,
		ctrl:      ctrl,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /notifications", s.handleNotifications)
	mux.HandleFunc("POST /pause", s.handlePause)
	mux.HandleFunc("POST /resume", s.handleResume)
	mux.HandleFunc("POST /resync", s.handleResync)
	mux.HandleFunc("POST /remote-deletions", s.handleRemoteDeletion)
	s.mux = mux
	return s
}

// Handler returns the HTTP handler with every route.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on the configured address and begins serving.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.lnMu.Lock()
	s.listener = ln
	s.lnMu.Unlock()

	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server error", "error", err)
		}
	}()

	return nil
}

// Run starts the server and stops it when ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop closes every client and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Info("dashboard stopped")
	return nil
}

// Broadcast queues msg for every connected client. Messages are dropped
// when the buffer is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("broadcast channel full, dropping message", "type", msg.Type)
	}
}

// PublishStatus broadcasts a status snapshot. It matches the signature of
// melissi.StatusTracker.Subscribe.
func (s *Server) PublishStatus(st melissi.Status) {
	s.publish(MessageTypeStatus, st)
}

// PublishNotification broadcasts a notification. It matches the signature
// of melissi.Queue.OnNotification.
func (s *Server) PublishNotification(n melissi.Notification) {
	s.publish(MessageTypeNotification, n)
}

func (s *Server) publish(typ MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encoding dashboard message", "type", typ, "error", err)
		return
	}
	s.Broadcast(Message{Type: typ, Timestamp: time.Now().UTC(), Data: data})
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now().UTC()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("encoding dashboard message", "error", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Debug("dropping dashboard client", "error", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Only same-origin pages and non-browser clients may connect.
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Debug("dashboard client connected", "clients", count)

	// New clients start from the current status.
	data, _ := json.Marshal(s.ctrl.Status())
	welcome, _ := json.Marshal(Message{Type: MessageTypeStatus, Timestamp: time.Now().UTC(), Data: data})
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, welcome)
	cancel()

	go s.readLoop(conn)
}

// readLoop discards client messages and notices disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("dashboard client disconnected", "clients", count)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	ns := s.ctrl.Notifications()
	if ns == nil {
		ns = []melissi.Notification{}
	}
	writeJSON(w, http.StatusOK, ns)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Pause()
	s.logger.Info("sync paused from dashboard")
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Resume()
	s.logger.Info("sync resumed from dashboard")
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Resync(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.ctrl.Status())
}

func (s *Server) handleRemoteDeletion(w http.ResponseWriter, r *http.Request) {
	var req RemoteDeletion
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if err := s.ctrl.RemoteDeleted(req.Kind, req.ID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.logger.Info("remote deletion queued", "kind", req.Kind, "id", req.ID)
	w.WriteHeader(http.StatusAccepted)
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorBody{Error: err.Error()})
}
