package services

import (
	"context"
	"fmt"

	"ghlbridge/internal/errs"
	"ghlbridge/internal/models"

	"github.com/rs/zerolog"
)

// Router picks the instance that sends a HighLevel message to WhatsApp.
type Router struct {
	store    Store
	contacts *ContactResolver
	strict   bool
}

// NewRouter builds a router. With strict set, a tenant owning several
// instances must tag its contacts; otherwise the oldest instance is used.
func NewRouter(store Store, contacts *ContactResolver, strict bool) *Router {
	return &Router{store: store, contacts: contacts, strict: strict}
}

// Resolve returns nil, nil when the tenant has no instance to route to.
func (r *Router) Resolve(ctx context.Context, tenantID, phone string) (*models.Instance, error) {
	logger := zerolog.Ctx(ctx)

	if phone != "" && r.contacts != nil {
		instance, err := r.fromContactTag(ctx, tenantID, phone)
		if err != nil {
			logger.Warn().Err(err).Str("phone", phone).Msg("Contact lookup for routing failed, falling back to tenant instances")
		} else if instance != nil {
			return instance, nil
		}
	}

	instances, err := r.store.GetInstancesByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	switch len(instances) {
	case 0:
		logger.Info().Str("tenantID", tenantID).Msg("No instances configured for tenant, nothing to route to")
		return nil, nil
	case 1:
		return &instances[0], nil
	}

	if r.strict {
		return nil, errs.Routing("tenant %s has %d instances and the contact carries no instance tag", tenantID, len(instances))
	}
	oldest := Oldest(instances)
	logger.Warn().
		Str("tenantID", tenantID).
		Int("instanceCount", len(instances)).
		Str("instanceID", oldest.ID.String()).
		Msg("Multiple instances and no contact tag, routing to the oldest instance")
	return oldest, nil
}

func (r *Router) fromContactTag(ctx context.Context, tenantID, phone string) (*models.Instance, error) {
	contact, err := r.contacts.GetContact(ctx, tenantID, phone)
	if err != nil {
		return nil, err
	}
	id, ok := taggedInstance(contact.Tags)
	if !ok {
		return nil, nil
	}
	instance, err := r.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, fmt.Errorf("contact %s is tagged with unknown instance %s", contact.ID, id)
	}
	if instance.TenantID != tenantID {
		return nil, fmt.Errorf("contact %s is tagged with instance %s of another tenant", contact.ID, id)
	}
	return instance, nil
}

// Oldest returns the earliest-created instance. Ties keep the lowest id.
func Oldest(instances []models.Instance) *models.Instance {
	if len(instances) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(instances); i++ {
		a, b := instances[i], instances[best]
		if a.CreatedAt.Before(b.CreatedAt) || (a.CreatedAt.Equal(b.CreatedAt) && a.ID < b.ID) {
			best = i
		}
	}
	return &instances[best]
}
