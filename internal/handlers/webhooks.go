package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"ghlbridge/internal/adapters/ghl"
	"ghlbridge/internal/adapters/greenapi"
	"ghlbridge/pkg/logger"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// Dispatcher is the part of services.Dispatcher the webhook endpoints drive.
type Dispatcher interface {
	HandleMessagingWebhook(ctx context.Context, w *greenapi.Webhook, allowed []string) error
	ValidatePlatformWebhook(w *ghl.Webhook) error
	ProcessPlatformWebhook(ctx context.Context, w *ghl.Webhook) error
}

// WebhookHandler acknowledges webhooks first and processes them in the
// background with the request logger.
type WebhookHandler struct {
	dispatcher Dispatcher
	allowed    []string
	inflight   sync.WaitGroup
}

// NewWebhookHandler builds the handler. allowed is the GREEN-API webhook
// type allow-list.
func NewWebhookHandler(dispatcher Dispatcher, allowed []string) *WebhookHandler {
	return &WebhookHandler{dispatcher: dispatcher, allowed: allowed}
}

// Wait blocks until background processing started so far has finished.
func (h *WebhookHandler) Wait() {
	h.inflight.Wait()
}

func (h *WebhookHandler) background(ctx context.Context, fn func(ctx context.Context)) {
	ctx = logger.Detach(ctx)
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		fn(ctx)
	}()
}

// GreenAPI receives GREEN-API notifications. Authentication is done by
// WebhookAuth.Guard. Undecodable payloads are acknowledged so GREEN-API does
// not redeliver them.
func (h *WebhookHandler) GreenAPI() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var webhook greenapi.Webhook
		if err := json.NewDecoder(r.Body).Decode(&webhook); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Failed to decode GREEN-API webhook")
			w.WriteHeader(http.StatusOK)
			return
		}
		hlog.FromRequest(r).Debug().
			Str("typeWebhook", webhook.TypeWebhook).
			Str("instanceID", webhook.InstanceData.IDInstance.String()).
			Msg("GREEN-API webhook received")

		w.WriteHeader(http.StatusOK)

		h.background(r.Context(), func(ctx context.Context) {
			if err := h.dispatcher.HandleMessagingWebhook(ctx, &webhook, h.allowed); err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Msg("Error processing GREEN-API webhook")
			}
		})
	}
}

// HighLevel receives conversation provider webhooks. It always answers 200,
// invalid webhooks are only logged.
func (h *WebhookHandler) HighLevel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := hlog.FromRequest(r)

		var webhook ghl.Webhook
		if err := json.NewDecoder(r.Body).Decode(&webhook); err != nil {
			log.Error().Err(err).Msg("Failed to decode HighLevel webhook")
			w.WriteHeader(http.StatusOK)
			return
		}
		if webhook.LocationID == "" {
			webhook.LocationID = r.Header.Get("X-Location-Id")
		}
		log.Debug().Str("type", webhook.Type).Str("locationID", webhook.LocationID).Str("messageID", webhook.MessageID).Msg("HighLevel webhook received")

		if err := h.dispatcher.ValidatePlatformWebhook(&webhook); err != nil {
			log.Error().Err(err).Str("conversationProviderId", webhook.ConversationProviderID).Msg("Rejected HighLevel webhook")
			w.WriteHeader(http.StatusOK)
			return
		}

		w.WriteHeader(http.StatusOK)

		h.background(r.Context(), func(ctx context.Context) {
			if err := h.dispatcher.ProcessPlatformWebhook(ctx, &webhook); err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Str("locationID", webhook.LocationID).Msg("Error processing HighLevel webhook")
			}
		})
	}
}
