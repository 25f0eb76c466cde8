package services

import (
	"context"
	"fmt"
	"strings"

	"ghlbridge/internal/adapters/ghl"
	"ghlbridge/internal/errs"
	"ghlbridge/internal/models"
	"ghlbridge/internal/transform"

	"github.com/rs/zerolog"
)

const (
	instanceTagPrefix = "whatsapp-instance-"
	groupTag          = "whatsapp-group"
	groupNamePrefix   = "[Group] "
)

// InstanceTag is the contact tag that pins a contact to one instance.
func InstanceTag(id models.InstanceID) string {
	return instanceTagPrefix + id.String()
}

// ContactResolver upserts HighLevel contacts for WhatsApp senders.
type ContactResolver struct {
	platforms PlatformProvider
}

func NewContactResolver(platforms PlatformProvider) *ContactResolver {
	return &ContactResolver{platforms: platforms}
}

// FindOrCreateContact upserts the contact by phone and tags it with the
// instance that received the message.
func (r *ContactResolver) FindOrCreateContact(ctx context.Context, tenantID, phoneOrChatID, name string, instanceID models.InstanceID, isGroup bool) (*ghl.Contact, error) {
	tags := []string{InstanceTag(instanceID)}
	if isGroup {
		tags = append(tags, groupTag)
		if name != "" && !strings.HasPrefix(name, groupNamePrefix) {
			name = groupNamePrefix + name
		}
	}
	return r.upsert(ctx, tenantID, phoneOrChatID, name, tags)
}

// GetContact upserts by phone without touching the name or tags of an
// existing contact.
func (r *ContactResolver) GetContact(ctx context.Context, tenantID, phone string) (*ghl.Contact, error) {
	return r.upsert(ctx, tenantID, phone, "", nil)
}

func (r *ContactResolver) upsert(ctx context.Context, tenantID, phoneOrChatID, name string, tags []string) (*ghl.Contact, error) {
	platform, err := r.platforms.ForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	phone := transform.NormalizePhone(phoneOrChatID)
	if phone == "" {
		return nil, errs.Data("cannot resolve a contact without a phone number")
	}
	contact, err := platform.UpsertContact(ctx, ghl.ContactUpsert{
		LocationID: tenantID,
		Phone:      phone,
		Name:       name,
		Source:     ghl.ContactSource,
		Tags:       tags,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert contact %s: %w", phone, err)
	}
	if contact == nil || contact.ID == "" {
		return nil, errs.Data("contact upsert for %s returned no id", phone)
	}

	// Only a contact created just now gets the default name.
	if contact.Created && name == "" {
		named, err := platform.UpsertContact(ctx, ghl.ContactUpsert{
			LocationID: tenantID,
			Phone:      phone,
			Name:       DefaultContactName(phone),
			Source:     ghl.ContactSource,
		})
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("contactID", contact.ID).Msg("Failed to set default contact name")
		} else if named != nil && named.ID != "" {
			contact.Name = named.Name
		}
	}

	zerolog.Ctx(ctx).Debug().Str("contactID", contact.ID).Str("phone", phone).Strs("tags", tags).Msg("Contact resolved")
	return contact, nil
}

// DefaultContactName names contacts created without a WhatsApp name.
func DefaultContactName(phone string) string {
	return "WhatsApp " + phone
}

// taggedInstance returns the instance id of the first instance tag, if any.
func taggedInstance(tags []string) (models.InstanceID, bool) {
	for _, tag := range tags {
		raw, ok := strings.CutPrefix(tag, instanceTagPrefix)
		if !ok {
			continue
		}
		id, err := models.ParseInstanceID(raw)
		if err != nil {
			continue
		}
		return id, true
	}
	return 0, false
}
