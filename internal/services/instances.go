package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"ghlbridge/internal/adapters/greenapi"
	"ghlbridge/internal/db"
	"ghlbridge/internal/errs"
	"ghlbridge/internal/models"
	"ghlbridge/pkg/logger"

	"github.com/rs/zerolog"
)

const webhookEnabled = "yes"

// InstanceService links GREEN-API instances to HighLevel locations.
type InstanceService struct {
	store      Store
	messengers MessengerProvider
	mirror     MediaMirror
	webhookURL string
}

// NewInstanceService builds the service. webhookURL is the public address of
// the GREEN-API webhook endpoint; mirror may be nil.
func NewInstanceService(store Store, messengers MessengerProvider, mirror MediaMirror, webhookURL string) *InstanceService {
	return &InstanceService{store: store, messengers: messengers, mirror: mirror, webhookURL: webhookURL}
}

// Provision validates the instance credentials, stores the instance and
// points its webhooks at the bridge.
func (s *InstanceService) Provision(ctx context.Context, tenantID string, id models.InstanceID, apiToken, name string) (*models.Instance, error) {
	ctx = logger.With(ctx, "tenantID", tenantID, "instanceID", id.String())
	log := zerolog.Ctx(ctx)

	if id <= 0 || strings.TrimSpace(apiToken) == "" {
		return nil, errs.Validation("instance id and api token are required")
	}
	tenant, err := s.store.FindTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, errs.Validation("location %s not found, complete the OAuth installation first", tenantID)
	}
	if !tenant.HasTokens() {
		return nil, &errs.AuthError{Kind: errs.NotAuthenticated, TenantID: tenantID}
	}

	messenger := s.messengers.For(id, apiToken)
	wa, err := messenger.GetWaSettings(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to get WA settings for new instance")
		return nil, errs.Validation("invalid instance credentials")
	}

	webhookToken, err := newWebhookToken()
	if err != nil {
		return nil, err
	}
	settings := models.Settings{
		WebhookURL:          s.webhookURL,
		WebhookURLToken:     webhookToken,
		IncomingWebhook:     webhookEnabled,
		StateWebhook:        webhookEnabled,
		IncomingCallWebhook: webhookEnabled,
	}
	if wa.Phone != "" {
		settings.Wid = wa.Phone + "@c.us"
	}
	state := wa.StateInstance
	if state == "" {
		state = models.StateNotAuthorized
	}

	instance, err := s.store.CreateInstance(ctx, db.NewInstance{
		ID:       id,
		APIToken: apiToken,
		TenantID: tenantID,
		Settings: settings,
		State:    state,
		Name:     name,
	})
	if err != nil {
		return nil, err
	}

	if err := messenger.SetSettings(ctx, settings); err != nil {
		log.Error().Err(err).Msg("Instance stored but GREEN-API settings could not be updated")
	}
	log.Info().Str("state", string(state)).Msg("Instance provisioned")
	return instance, nil
}

func newWebhookToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate webhook token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// List returns the tenant's instances, newest first.
func (s *InstanceService) List(ctx context.Context, tenantID string) ([]models.Instance, error) {
	tenant, err := s.store.FindTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, errs.NotFound("location", tenantID)
	}
	return s.store.GetInstancesByTenant(ctx, tenantID)
}

// Get loads an instance. A non-empty tenantID must own it.
func (s *InstanceService) Get(ctx context.Context, tenantID string, id models.InstanceID) (*models.Instance, error) {
	instance, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if instance == nil || (tenantID != "" && instance.TenantID != tenantID) {
		return nil, errs.NotFound("instance", id.String())
	}
	return instance, nil
}

// Remove deletes the instance and, when mirroring is on, its stored media.
func (s *InstanceService) Remove(ctx context.Context, tenantID string, id models.InstanceID) error {
	instance, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if err := s.store.RemoveInstance(ctx, id); err != nil {
		return err
	}
	if s.mirror != nil {
		if err := s.mirror.DeleteInstanceObjects(ctx, instance.TenantID, id); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("instanceID", id.String()).Msg("Instance removed but its media could not be deleted")
		}
	}
	zerolog.Ctx(ctx).Info().Str("instanceID", id.String()).Str("tenantID", instance.TenantID).Msg("Instance removed")
	return nil
}

// Rename sets the display name. An empty name leaves the instance unchanged.
func (s *InstanceService) Rename(ctx context.Context, tenantID string, id models.InstanceID, name string) (*models.Instance, error) {
	instance, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return instance, nil
	}
	return s.store.UpdateInstanceName(ctx, id, name)
}

// QR fetches the current login QR code of the instance.
func (s *InstanceService) QR(ctx context.Context, tenantID string, id models.InstanceID) (*greenapi.QRResponse, error) {
	instance, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return s.messengers.For(instance.ID, instance.APIToken).GetQR(ctx)
}
