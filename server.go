package main

import (
	"context"
	"net/http"
	"time"

	"ghlbridge/config"
	"ghlbridge/internal/delivery"
	"ghlbridge/internal/handlers"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// Deliveries is the part of the delivery manager exposed over HTTP.
type Deliveries interface {
	Stats() delivery.Stats
	PendingCount() int
	Jobs(tenantID string, limit int) []delivery.StatusJob
	Job(id string) (delivery.StatusJob, bool)
	Retry(ctx context.Context, id string) error
	RetryNow() int
}

type server struct {
	router      *mux.Router
	cfg         *config.Config
	webhooks    *handlers.WebhookHandler
	webhookAuth *handlers.WebhookAuth
	workflows   *handlers.WorkflowHandler
	instances   *handlers.InstanceHandler
	oauth       *handlers.OAuthHandler
	tenants     handlers.TenantFinder
	deliveries  Deliveries
	http        *http.Server
}

func newServer(cfg *config.Config, s *server) *server {
	s.cfg = cfg
	s.router = mux.NewRouter()
	s.routes()
	s.http = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *server) routes() {
	c := alice.New()
	c = c.Append(hlog.NewHandler(log.Logger))
	c = c.Append(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		level := zerolog.InfoLevel
		if status >= http.StatusInternalServerError {
			level = zerolog.ErrorLevel
		}
		hlog.FromRequest(r).WithLevel(level).
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Got API request")
	}))
	c = c.Append(hlog.RemoteAddrHandler("ip"))
	c = c.Append(hlog.UserAgentHandler("user_agent"))
	c = c.Append(hlog.RequestIDHandler("req_id", "Request-Id"))

	workflowGuard := c.Append(handlers.WorkflowTokenGuard(s.cfg.GHLWorkflowToken))
	pageGuard := c.Append(handlers.GHLContextGuard(s.cfg.GHLSharedSecret))

	s.router.Handle("/health", c.ThenFunc(s.Health())).Methods(http.MethodGet)

	s.router.Handle("/webhooks/green-api", c.Append(s.webhookAuth.Guard).Then(s.webhooks.GreenAPI())).Methods(http.MethodPost)
	s.router.Handle("/webhooks/ghl", c.Then(s.webhooks.HighLevel())).Methods(http.MethodPost)
	s.router.Handle("/webhooks/workflow-action", workflowGuard.Then(s.workflows.Action())).Methods(http.MethodPost)

	s.router.Handle("/oauth/callback", c.Then(s.oauth.Callback())).Methods(http.MethodGet)
	s.router.Handle("/oauth/external-auth-credentials", c.Then(s.oauth.ExternalAuthCredentials())).Methods(http.MethodPost)
	s.router.Handle("/app/decrypt-user-data", c.Then(handlers.DecryptUserData(s.tenants, s.cfg.GHLSharedSecret))).Methods(http.MethodPost)

	api := s.router.PathPrefix("/api/instances").Subrouter()
	api.Handle("", pageGuard.Then(s.instances.Create())).Methods(http.MethodPost)
	api.Handle("/{instanceId:[0-9]+}/qr", pageGuard.Then(s.instances.QR())).Methods(http.MethodGet)
	api.Handle("/{instanceId:[0-9]+}", pageGuard.Then(s.instances.Delete())).Methods(http.MethodDelete)
	api.Handle("/{instanceId:[0-9]+}", pageGuard.Then(s.instances.Update())).Methods(http.MethodPatch)
	api.Handle("/{locationId}", pageGuard.Then(s.instances.List())).Methods(http.MethodGet)

	deliveries := s.router.PathPrefix("/api/delivery").Subrouter()
	deliveries.Handle("/status", workflowGuard.Then(s.DeliveryStatus())).Methods(http.MethodGet)
	deliveries.Handle("/events", workflowGuard.Then(s.DeliveryEvents())).Methods(http.MethodGet)
	deliveries.Handle("/events/{jobId}", workflowGuard.Then(s.DeliveryEvent())).Methods(http.MethodGet)
	deliveries.Handle("/retry", workflowGuard.Then(s.RetryAll())).Methods(http.MethodPost)
	deliveries.Handle("/retry/{jobId}", workflowGuard.Then(s.RetryEvent())).Methods(http.MethodPost)
}

func (s *server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handlers.Respond(w, r, http.StatusOK, map[string]any{
			"status":         "ok",
			"pending_status": s.deliveries.PendingCount(),
		})
	}
}

func (s *server) Start() error {
	log.Info().Str("port", s.cfg.Port).Msg("Server starting")
	return s.http.ListenAndServe()
}

// Shutdown stops accepting requests, then waits for webhooks still being
// processed in the background.
func (s *server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.webhooks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Timed out waiting for background webhook processing")
	}
	return err
}
