package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"livesync/sync/internal/crdt"
	"livesync/sync/internal/session"
)

// Coordinator is the slice of the session registry the transport uses.
type Coordinator interface {
	CreateDocument(ctx context.Context, documentID, userID string) ([]byte, error)
	Connect(ctx context.Context, documentID string, conn session.Conn) ([]byte, error)
	ApplyUpdate(ctx context.Context, documentID string, conn session.Conn, payloads [][]byte) error
	Disconnect(ctx context.Context, conn session.Conn)
	HistoryCount(ctx context.Context, documentID, userID string) (int, error)
	ReplayTo(ctx context.Context, documentID, userID string, throughSeq int64) ([]byte, error)
}

// TokenVerifier authenticates a bearer token and yields the user id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Pinger reports backend liveness for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	coord    Coordinator
	verifier TokenVerifier
	db       Pinger
	broker   Pinger

	writeTimeout    time.Duration
	maxMessageBytes int64
	upgrader        websocket.Upgrader
}

func NewServer(coord Coordinator, verifier TokenVerifier, db, broker Pinger, writeTimeout time.Duration, maxMessageBytes int64) *Server {
	return &Server{
		coord:           coord,
		verifier:        verifier,
		db:              db,
		broker:          broker,
		writeTimeout:    writeTimeout,
		maxMessageBytes: maxMessageBytes,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/ws", s.handleWS)
	router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/api/documents/{docID}/replay", s.handleReplay).Methods(http.MethodGet)
	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"redis":    map[string]any{"status": "ok"},
	}
	if err := s.db.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.broker.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleReplay reconstructs a point-in-time snapshot from the change
// log. ?through=N bounds the replay; 0 or absent replays everything.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}
	userID, err := s.verifier.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
		return
	}

	documentID := mux.Vars(r)["docID"]
	var throughSeq int64
	if raw := r.URL.Query().Get("through"); raw != "" {
		throughSeq, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || throughSeq < 0 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "through must be a non-negative integer")
			return
		}
	}

	snapshot, err := s.coord.ReplayTo(r.Context(), documentID, userID, throughSeq)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Document not found")
		case errors.Is(err, session.ErrAccessDenied):
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Access denied")
		default:
			log.Printf("ws: replay %s failed: %v", documentID, err)
			writeError(w, http.StatusInternalServerError, "INTERNAL", "Replay failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"docId":   documentID,
		"through": throughSeq,
		"doc":     base64.StdEncoding.EncodeToString(snapshot),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)

	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	if token == "" {
		closeSocket(socket, websocket.ClosePolicyViolation, "Authentication required")
		return
	}
	userID, err := s.verifier.Verify(token)
	if err != nil {
		closeSocket(socket, websocket.ClosePolicyViolation, "Invalid token")
		return
	}

	if s.maxMessageBytes > 0 {
		socket.SetReadLimit(s.maxMessageBytes)
	}

	c := newConn(socket, userID, s.writeTimeout)
	log.Printf("ws: client connected: %s", userID)
	defer func() {
		s.coord.Disconnect(context.Background(), c)
		_ = socket.Close()
		log.Printf("ws: client disconnected: %s", userID)
	}()

	for {
		_, raw, err := socket.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = c.send(newErrorMessage("Invalid JSON received"))
			continue
		}
		s.dispatch(r.Context(), c, msg)
	}
}

func (s *Server) dispatch(ctx context.Context, c *conn, msg clientMessage) {
	if msg.DocID == "" {
		_ = c.send(newErrorMessage("Missing document ID"))
		return
	}

	switch msg.Type {
	case "create":
		snapshot, err := s.coord.CreateDocument(ctx, msg.DocID, c.UserID())
		if err != nil {
			_ = c.send(newErrorMessage(errorText(err)))
			return
		}
		_ = c.send(createdMessage{Type: "created", DocID: msg.DocID, Doc: base64.StdEncoding.EncodeToString(snapshot)})

	case "connect":
		snapshot, err := s.coord.Connect(ctx, msg.DocID, c)
		if err != nil {
			_ = c.send(newErrorMessage(errorText(err)))
			return
		}
		_ = c.send(docMessage{Type: "doc", DocID: msg.DocID, Doc: base64.StdEncoding.EncodeToString(snapshot)})

	case "update":
		if len(msg.Changes) == 0 {
			_ = c.send(newErrorMessage("No changes provided"))
			return
		}
		payloads, err := decodeChanges(msg.Changes)
		if err != nil {
			_ = c.send(newErrorMessage("Invalid change format"))
			return
		}
		if err := s.coord.ApplyUpdate(ctx, msg.DocID, c, payloads); err != nil {
			_ = c.send(newErrorMessage(errorText(err)))
			return
		}

	case "history":
		versions, err := s.coord.HistoryCount(ctx, msg.DocID, c.UserID())
		if err != nil {
			_ = c.send(newErrorMessage(errorText(err)))
			return
		}
		_ = c.send(historyMessage{Type: "history", DocID: msg.DocID, Versions: versions})

	default:
		_ = c.send(newErrorMessage("Unknown command: " + msg.Type))
	}
}

func errorText(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return "Document not found"
	case errors.Is(err, session.ErrAccessDenied):
		return "Access denied"
	case errors.Is(err, session.ErrNotOwner):
		return "Only owner can create"
	case errors.Is(err, session.ErrViewerForbidden):
		return "Viewers cannot update document"
	case errors.Is(err, session.ErrNotSubscribed):
		return "Not connected to document"
	case errors.Is(err, session.ErrAlreadySubscribed):
		return "Already connected to a document"
	case errors.Is(err, crdt.ErrMerge):
		return "Failed to apply changes"
	default:
		log.Printf("ws: internal error: %v", err)
		return "Server error"
	}
}

func closeSocket(socket *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = socket.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = socket.Close()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"code": code, "error": message})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
