package httpapi

import (
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"vaultchat/internal/broadcast"
	"vaultchat/internal/epoch"
	"vaultchat/internal/membership"
	"vaultchat/internal/message"
	"vaultchat/internal/metrics"
	"vaultchat/internal/payments"
	"vaultchat/internal/ports"
	"vaultchat/internal/streampipeline"
)

// Server bundles every collaborator internal/httpapi's handlers call into,
// built once in cmd/server and mounted as a chi.Router. Unexported fields
// mirror walletserver's controller-holds-a-service shape, just with more
// services since one send touches every business-logic package.
type Server struct {
	pipeline   *streampipeline.Pipeline
	rotations  *epoch.Manager
	members    *membership.Service
	messages   *message.Store
	broadcast  *broadcast.Hub
	payments   *payments.Service
	limiter    ports.RateLimiter
	metrics    *metrics.Recorder
	logger     *logrus.Logger
	membership ports.MembershipStore
}

// New constructs a Server. logger must be non-nil; metrics may be nil in
// tests that don't care about counters.
func New(
	pipeline *streampipeline.Pipeline,
	rotations *epoch.Manager,
	members *membership.Service,
	membershipStore ports.MembershipStore,
	messages *message.Store,
	hub *broadcast.Hub,
	paymentsSvc *payments.Service,
	limiter ports.RateLimiter,
	rec *metrics.Recorder,
	logger *logrus.Logger,
) *Server {
	return &Server{
		pipeline:   pipeline,
		rotations:  rotations,
		members:    members,
		membership: membershipStore,
		messages:   messages,
		broadcast:  hub,
		payments:   paymentsSvc,
		limiter:    limiter,
		metrics:    rec,
		logger:     logger,
	}
}

// Router builds the chi.Router exposing spec §6's REST surface, mirroring
// walletserver/routes/routes.go's `mux.Router` + per-route `.Methods(...)`
// shape with chi's equivalent `r.Post`.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(withIdentity)
	r.Use(accessLog(s.logger))

	r.With(s.rateLimited("send")).Post("/stream", s.handleStream)
	r.With(s.rateLimited("send")).Post("/message", s.handleMessage)
	r.With(s.rateLimited("send")).Post("/rotation", s.handleRotation)

	r.With(s.rateLimited("access")).Post("/members/add", s.handleMemberAdd)
	r.With(s.rateLimited("access")).Post("/members/remove", s.handleMemberRemove)
	r.With(s.rateLimited("access")).Post("/members/leave", s.handleMemberLeave)
	r.With(s.rateLimited("access")).Post("/links/create", s.handleLinkCreate)
	r.With(s.rateLimited("access")).Post("/links/revoke", s.handleLinkRevoke)

	r.Post("/webhooks/payment", s.handleWebhookPayment)

	return r
}
