// Package wsapi implements spec §6's `WS /ws/:conversationId` real-time
// subscription transport: a thin adapter from internal/broadcast.Hub's
// per-conversation event fan-out to framed WebSocket messages, grounded
// on the teacher's own `client/rpc/websocket.go` upgrade-handler and
// idle-ping-loop shape (there used for JSON-RPC, reused here for a
// strictly server-push event feed — this endpoint never reads a frame
// back from the client beyond control frames).
package wsapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"vaultchat/internal/domain"
	"vaultchat/internal/idgen"
	"vaultchat/internal/membership"
	"vaultchat/internal/ports"
)

const (
	readBufferSize   = 1024
	writeBufferSize  = 1024
	pingInterval     = 30 * time.Second
	pingWriteWait    = 5 * time.Second
	pongWait         = 60 * time.Second
	messageSizeLimit = 32 * 1024
)

// Server adapts internal/broadcast.Hub to WebSocket connections. It does
// not duplicate internal/httpapi's membership/privilege checks; it
// resolves just enough identity to decide whether the caller may observe
// conversationID's events at all, mirroring §4.8's "hub enforces a
// per-hub auth decision given membership state fed to it by the API layer
// at connect".
type Server struct {
	hub        *broadcastHub
	membership ports.MembershipStore
	members    *membership.Service
	logger     *logrus.Logger
	upgrader   websocket.Upgrader
}

// broadcastHub is the subset of *broadcast.Hub this package depends on,
// named locally so tests can substitute a fake without importing the
// concrete hub type.
type broadcastHub interface {
	Subscribe(conversationID, subscriberID string) (<-chan ports.BroadcastEvent, func())
}

// New constructs a Server. allowedOrigins mirrors the teacher's
// comma-separated allow-list convention; pass nil to accept any origin
// (internal deployments behind their own gateway).
func New(hub broadcastHub, membershipStore ports.MembershipStore, members *membership.Service, logger *logrus.Logger, allowedOrigins []string) *Server {
	return &Server{
		hub:        hub,
		membership: membershipStore,
		members:    members,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
	}
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// resolveCaller authorizes a connecting principal against conversationID
// using the same two identity shapes internal/httpapi trusts, carried as
// query parameters since a browser WebSocket handshake cannot set custom
// headers (spec §6: "query parameter carries session token or link-guest
// token").
func (s *Server) resolveCaller(r *http.Request, conversationID string) (domain.Privilege, error) {
	q := r.URL.Query()
	if accountID := q.Get("accountId"); accountID != "" {
		return s.members.Privilege(r.Context(), conversationID, accountID)
	}
	if linkID := q.Get("linkId"); linkID != "" {
		link, err := s.membership.Link(r.Context(), linkID)
		if err != nil {
			return "", err
		}
		if !link.Active() || link.ConversationID != conversationID {
			return "", membership.ErrNotMember
		}
		return link.Privilege, nil
	}
	return "", membership.ErrNotMember
}

// Handle upgrades the connection and relays conversationID's broadcast
// events until the client disconnects. Mounted under chi so conversationID
// comes from the router's URL parameter, keeping this package free of any
// routing convention of its own beyond that one extraction point.
func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationId")

	if _, err := s.resolveCaller(r, conversationID); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("wsapi: upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadLimit(messageSizeLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	subscriberID := idgen.New()
	events, unsubscribe := s.hub.Subscribe(conversationID, subscriberID)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.discardIncoming(conn, cancel)

	s.writeLoop(ctx, conn, events)
}

// discardIncoming drains and ignores any frames the client sends (this
// endpoint is server-push only), cancelling ctx once the connection
// closes so writeLoop can exit.
func (s *Server) discardIncoming(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop relays events as JSON text frames and sends idle pings on
// pingInterval, matching the teacher's pingLoop cadence.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, events <-chan ports.BroadcastEvent) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(wireEvent{Kind: ev.Kind, Payload: ev.Payload}); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(pingWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wireEvent is the §4.8 event envelope as framed on the wire.
type wireEvent struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}
