package services

import (
	"context"

	"ghlbridge/internal/adapters/ghl"
	"ghlbridge/internal/adapters/greenapi"
	"ghlbridge/internal/db"
	"ghlbridge/internal/media"
	"ghlbridge/internal/models"
	"ghlbridge/internal/queue"
)

// Store is the persistence the services depend on. *db.Store implements it.
type Store interface {
	FindTenant(ctx context.Context, id string) (*models.Tenant, error)
	CreateInstance(ctx context.Context, in db.NewInstance) (*models.Instance, error)
	GetInstance(ctx context.Context, id models.InstanceID) (*models.Instance, error)
	GetInstancesByTenant(ctx context.Context, tenantID string) ([]models.Instance, error)
	UpdateInstanceState(ctx context.Context, id models.InstanceID, state models.InstanceState) (*models.Instance, error)
	UpdateInstanceSettings(ctx context.Context, id models.InstanceID, settings models.Settings) (*models.Instance, error)
	UpdateInstanceName(ctx context.Context, id models.InstanceID, name string) (*models.Instance, error)
	RemoveInstance(ctx context.Context, id models.InstanceID) error
}

// Platform is a HighLevel client bound to one tenant.
type Platform interface {
	UpsertContact(ctx context.Context, in ghl.ContactUpsert) (*ghl.Contact, error)
	FindConversation(ctx context.Context, contactID string) (*ghl.Conversation, error)
	CreateConversation(ctx context.Context, contactID string) (*ghl.Conversation, error)
	PostInboundMessage(ctx context.Context, conversationID string, msg *ghl.PlatformMessage) (*ghl.MessageResponse, error)
	PostOutboundMessage(ctx context.Context, contactID, message string) (*ghl.MessageResponse, error)
}

type PlatformProvider interface {
	ForTenant(ctx context.Context, tenantID string) (Platform, error)
}

// Messenger is a GREEN-API client bound to one instance.
type Messenger interface {
	Send(ctx context.Context, msg *greenapi.OutboundMessage) (*greenapi.SendResponse, error)
	SendMessage(ctx context.Context, chatID, message string) (*greenapi.SendResponse, error)
	SendFileByURL(ctx context.Context, chatID string, file greenapi.FileRef, caption string) (*greenapi.SendResponse, error)
	SendInteractiveButtons(ctx context.Context, msg greenapi.InteractiveButtons) (*greenapi.SendResponse, error)
	SendInteractiveButtonsReply(ctx context.Context, msg greenapi.ReplyButtons) (*greenapi.SendResponse, error)
	GetWaSettings(ctx context.Context) (*greenapi.WaSettings, error)
	SetSettings(ctx context.Context, settings models.Settings) error
	GetQR(ctx context.Context) (*greenapi.QRResponse, error)
}

type MessengerProvider interface {
	For(id models.InstanceID, apiToken string) Messenger
}

// StatusReporter queues a message status update without blocking.
type StatusReporter interface {
	ReportStatus(ctx context.Context, tenantID, messageID, status string, statusErr *ghl.StatusError) string
}

type EventPublisher interface {
	Publish(ctx context.Context, event queue.Event) error
}

type MediaMirror interface {
	MirrorAttachment(ctx context.Context, ref media.Ref, att ghl.Attachment) (ghl.Attachment, error)
	DeleteInstanceObjects(ctx context.Context, tenantID string, id models.InstanceID) error
}

// HighLevelPlatforms adapts the token-refreshing factory to PlatformProvider.
type HighLevelPlatforms struct {
	Factory *ghl.Factory
}

func (p HighLevelPlatforms) ForTenant(ctx context.Context, tenantID string) (Platform, error) {
	client, err := p.Factory.ForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// GreenAPIMessengers adapts the GREEN-API factory to MessengerProvider.
type GreenAPIMessengers struct {
	Factory *greenapi.Factory
}

func (m GreenAPIMessengers) For(id models.InstanceID, apiToken string) Messenger {
	return m.Factory.For(id, apiToken)
}

func publish(ctx context.Context, p EventPublisher, event queue.Event) {
	if p == nil {
		return
	}
	// The publisher logs its own failures; events never fail the operation.
	_ = p.Publish(ctx, event)
}
