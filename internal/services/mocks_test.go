package services

import (
	"context"

	"ghlbridge/internal/adapters/ghl"
	"ghlbridge/internal/adapters/greenapi"
	"ghlbridge/internal/db"
	"ghlbridge/internal/media"
	"ghlbridge/internal/models"
	"ghlbridge/internal/queue"

	"github.com/stretchr/testify/mock"
)

type mockStore struct{ mock.Mock }

func (m *mockStore) FindTenant(ctx context.Context, id string) (*models.Tenant, error) {
	args := m.Called(ctx, id)
	t, _ := args.Get(0).(*models.Tenant)
	return t, args.Error(1)
}

func (m *mockStore) CreateInstance(ctx context.Context, in db.NewInstance) (*models.Instance, error) {
	args := m.Called(ctx, in)
	i, _ := args.Get(0).(*models.Instance)
	return i, args.Error(1)
}

func (m *mockStore) GetInstance(ctx context.Context, id models.InstanceID) (*models.Instance, error) {
	args := m.Called(ctx, id)
	i, _ := args.Get(0).(*models.Instance)
	return i, args.Error(1)
}

func (m *mockStore) GetInstancesByTenant(ctx context.Context, tenantID string) ([]models.Instance, error) {
	args := m.Called(ctx, tenantID)
	list, _ := args.Get(0).([]models.Instance)
	return list, args.Error(1)
}

func (m *mockStore) UpdateInstanceState(ctx context.Context, id models.InstanceID, state models.InstanceState) (*models.Instance, error) {
	args := m.Called(ctx, id, state)
	i, _ := args.Get(0).(*models.Instance)
	return i, args.Error(1)
}

func (m *mockStore) UpdateInstanceSettings(ctx context.Context, id models.InstanceID, settings models.Settings) (*models.Instance, error) {
	args := m.Called(ctx, id, settings)
	i, _ := args.Get(0).(*models.Instance)
	return i, args.Error(1)
}

func (m *mockStore) UpdateInstanceName(ctx context.Context, id models.InstanceID, name string) (*models.Instance, error) {
	args := m.Called(ctx, id, name)
	i, _ := args.Get(0).(*models.Instance)
	return i, args.Error(1)
}

func (m *mockStore) RemoveInstance(ctx context.Context, id models.InstanceID) error {
	return m.Called(ctx, id).Error(0)
}

type mockPlatform struct{ mock.Mock }

func (m *mockPlatform) UpsertContact(ctx context.Context, in ghl.ContactUpsert) (*ghl.Contact, error) {
	args := m.Called(ctx, in)
	c, _ := args.Get(0).(*ghl.Contact)
	return c, args.Error(1)
}

func (m *mockPlatform) FindConversation(ctx context.Context, contactID string) (*ghl.Conversation, error) {
	args := m.Called(ctx, contactID)
	c, _ := args.Get(0).(*ghl.Conversation)
	return c, args.Error(1)
}

func (m *mockPlatform) CreateConversation(ctx context.Context, contactID string) (*ghl.Conversation, error) {
	args := m.Called(ctx, contactID)
	c, _ := args.Get(0).(*ghl.Conversation)
	return c, args.Error(1)
}

func (m *mockPlatform) PostInboundMessage(ctx context.Context, conversationID string, msg *ghl.PlatformMessage) (*ghl.MessageResponse, error) {
	args := m.Called(ctx, conversationID, msg)
	r, _ := args.Get(0).(*ghl.MessageResponse)
	return r, args.Error(1)
}

func (m *mockPlatform) PostOutboundMessage(ctx context.Context, contactID, message string) (*ghl.MessageResponse, error) {
	args := m.Called(ctx, contactID, message)
	r, _ := args.Get(0).(*ghl.MessageResponse)
	return r, args.Error(1)
}

// staticPlatforms hands out the same platform for every tenant.
type staticPlatforms struct {
	platform Platform
	err      error
}

func (s staticPlatforms) ForTenant(context.Context, string) (Platform, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.platform, nil
}

type mockMessenger struct{ mock.Mock }

func (m *mockMessenger) Send(ctx context.Context, msg *greenapi.OutboundMessage) (*greenapi.SendResponse, error) {
	args := m.Called(ctx, msg)
	r, _ := args.Get(0).(*greenapi.SendResponse)
	return r, args.Error(1)
}

func (m *mockMessenger) SendMessage(ctx context.Context, chatID, message string) (*greenapi.SendResponse, error) {
	args := m.Called(ctx, chatID, message)
	r, _ := args.Get(0).(*greenapi.SendResponse)
	return r, args.Error(1)
}

func (m *mockMessenger) SendFileByURL(ctx context.Context, chatID string, file greenapi.FileRef, caption string) (*greenapi.SendResponse, error) {
	args := m.Called(ctx, chatID, file, caption)
	r, _ := args.Get(0).(*greenapi.SendResponse)
	return r, args.Error(1)
}

func (m *mockMessenger) SendInteractiveButtons(ctx context.Context, msg greenapi.InteractiveButtons) (*greenapi.SendResponse, error) {
	args := m.Called(ctx, msg)
	r, _ := args.Get(0).(*greenapi.SendResponse)
	return r, args.Error(1)
}

func (m *mockMessenger) SendInteractiveButtonsReply(ctx context.Context, msg greenapi.ReplyButtons) (*greenapi.SendResponse, error) {
	args := m.Called(ctx, msg)
	r, _ := args.Get(0).(*greenapi.SendResponse)
	return r, args.Error(1)
}

func (m *mockMessenger) GetWaSettings(ctx context.Context) (*greenapi.WaSettings, error) {
	args := m.Called(ctx)
	r, _ := args.Get(0).(*greenapi.WaSettings)
	return r, args.Error(1)
}

func (m *mockMessenger) SetSettings(ctx context.Context, settings models.Settings) error {
	return m.Called(ctx, settings).Error(0)
}

func (m *mockMessenger) GetQR(ctx context.Context) (*greenapi.QRResponse, error) {
	args := m.Called(ctx)
	r, _ := args.Get(0).(*greenapi.QRResponse)
	return r, args.Error(1)
}

type staticMessengers struct {
	messenger Messenger
}

func (s staticMessengers) For(models.InstanceID, string) Messenger { return s.messenger }

type mockStatuses struct{ mock.Mock }

func (m *mockStatuses) ReportStatus(ctx context.Context, tenantID, messageID, status string, statusErr *ghl.StatusError) string {
	return m.Called(ctx, tenantID, messageID, status, statusErr).String(0)
}

type mockMirror struct{ mock.Mock }

func (m *mockMirror) MirrorAttachment(ctx context.Context, ref media.Ref, att ghl.Attachment) (ghl.Attachment, error) {
	args := m.Called(ctx, ref, att)
	return args.Get(0).(ghl.Attachment), args.Error(1)
}

func (m *mockMirror) DeleteInstanceObjects(ctx context.Context, tenantID string, id models.InstanceID) error {
	return m.Called(ctx, tenantID, id).Error(0)
}

type recordingEvents struct {
	events []queue.Event
}

func (r *recordingEvents) Publish(_ context.Context, event queue.Event) error {
	r.events = append(r.events, event)
	return nil
}
