package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/bcnelson/hunt-foreman/internal/api/handler"
	"github.com/bcnelson/hunt-foreman/internal/api/middleware"
	"github.com/bcnelson/hunt-foreman/internal/approval"
	"github.com/bcnelson/hunt-foreman/internal/auth"
	"github.com/bcnelson/hunt-foreman/internal/flows"
	"github.com/bcnelson/hunt-foreman/internal/foreman"
	"github.com/bcnelson/hunt-foreman/internal/hunt"
	"github.com/bcnelson/hunt-foreman/internal/service"
	"github.com/bcnelson/hunt-foreman/internal/storage"
)

// Deps are the components the router serves. Poller, Metrics, OIDC and
// Logins are optional.
type Deps struct {
	Store        storage.Storage
	Engine       *foreman.Engine
	Hunts        *hunt.Service
	Approvals    *approval.Coordinator
	Flows        *flows.Registry
	Poller       *service.InventoryPoller
	Metrics      http.Handler
	BootstrapKey string
	OIDC         *auth.OIDCProvider
	Logins       *auth.LoginStates
	Logger       zerolog.Logger
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging(d.Logger))

	// Health check (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	// The verifier must stay a nil interface when OIDC is off.
	var verifier middleware.BearerVerifier
	if d.OIDC != nil && d.Logins != nil {
		verifier = d.OIDC
		authHandler := handler.NewAuthHandler(d.OIDC, d.Logins, d.Logger)
		r.Get("/auth/login", authHandler.Login)
		r.Get("/auth/callback", authHandler.Callback)
	}

	// API routes (auth required, JSON Content-Type)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.ContentType)
		r.Use(middleware.Auth(d.Store, d.BootstrapKey, verifier, d.Logger))

		// API Keys
		keyHandler := handler.NewAPIKeyHandler(d.Store)
		r.Post("/keys", keyHandler.Create)
		r.Get("/keys", keyHandler.List)
		r.Delete("/keys/{id}", keyHandler.Delete)

		catalog := handler.NewCatalogHandler(d.Flows, d.Engine)
		r.Get("/flows", catalog.Flows)
		r.Get("/rules", catalog.Rules)

		// Hunts
		huntHandler := handler.NewHuntHandler(d.Hunts)
		r.Post("/hunts", huntHandler.Create)
		r.Get("/hunts", huntHandler.List)
		r.Route("/hunts/{id}", func(r chi.Router) {
			r.Get("/", huntHandler.Get)
			r.Post("/activate", huntHandler.Activate)
			r.Post("/approve", huntHandler.Approve)
			r.Post("/stop", huntHandler.Stop)
			r.Get("/preview", huntHandler.Preview)
			r.Get("/rule", huntHandler.Rule)
		})

		// Approvals
		approvalHandler := handler.NewApprovalHandler(d.Approvals)
		r.Get("/approvals", approvalHandler.List)
		r.Get("/approvals/{id}", approvalHandler.Get)
		r.Post("/approvals/{id}/grant", approvalHandler.Grant)
		r.Post("/approvals/{id}/deny", approvalHandler.Deny)

		// Endpoints
		checkIn := handler.NewCheckInHandler(d.Engine, d.Logger)
		r.Post("/checkin", checkIn.CheckIn)
		endpointHandler := handler.NewEndpointHandler(d.Store)
		r.Get("/endpoints", endpointHandler.List)
		r.Get("/endpoints/{id}", endpointHandler.Get)

		if d.Poller != nil {
			r.Post("/inventory/poll", handler.NewInventoryHandler(d.Poller).Poll)
		}
	})

	return r
}
