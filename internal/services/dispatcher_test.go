package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"ghlbridge/internal/adapters/ghl"
	"ghlbridge/internal/adapters/greenapi"
	"ghlbridge/internal/errs"
	"ghlbridge/internal/media"
	"ghlbridge/internal/models"
	"ghlbridge/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store     *mockStore
	platform  *mockPlatform
	messenger *mockMessenger
	statuses  *mockStatuses
	events    *recordingEvents
	echoes    *EchoRegistry
	d         *Dispatcher
}

func newFixture(mirror MediaMirror) *fixture {
	f := &fixture{
		store:     &mockStore{},
		platform:  &mockPlatform{},
		messenger: &mockMessenger{},
		statuses:  &mockStatuses{},
		events:    &recordingEvents{},
		echoes:    NewEchoRegistry(),
	}
	platforms := staticPlatforms{platform: f.platform}
	contacts := NewContactResolver(platforms)
	f.d = NewDispatcher(DispatcherDeps{
		Store:                  f.store,
		Platforms:              platforms,
		Messengers:             staticMessengers{messenger: f.messenger},
		Contacts:               contacts,
		Router:                 NewRouter(f.store, contacts, false),
		Echoes:                 f.echoes,
		Statuses:               f.statuses,
		Events:                 f.events,
		Mirror:                 mirror,
		ConversationProviderID: "prov-1",
	})
	f.d.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return f
}

func authorizedInstance() *models.Instance {
	return &models.Instance{
		ID:        1101,
		APIToken:  "token",
		TenantID:  "loc-1",
		State:     models.StateAuthorized,
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func textWebhook(sender *greenapi.SenderData, text string) *greenapi.Webhook {
	return &greenapi.Webhook{
		TypeWebhook:  greenapi.TypeIncomingMessage,
		InstanceData: greenapi.InstanceData{IDInstance: 1101},
		IDMessage:    "wa-msg",
		SenderData:   sender,
		MessageData: &greenapi.MessageData{
			TypeMessage:     "textMessage",
			TextMessageData: &greenapi.TextMessageData{TextMessage: text},
		},
	}
}

func TestIncomingTextCreatesContactAndPostsMessage(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	f.store.On("GetInstance", mock.Anything, models.InstanceID(1101)).Return(authorizedInstance(), nil)
	f.platform.On("UpsertContact", mock.Anything, ghl.ContactUpsert{
		LocationID: "loc-1",
		Phone:      "+79001234567",
		Name:       "Bob",
		Source:     ghl.ContactSource,
		Tags:       []string{"whatsapp-instance-1101"},
	}).Return(&ghl.Contact{ID: "contact-1"}, nil).Once()
	f.platform.On("FindConversation", mock.Anything, "contact-1").Return(nil, nil)
	f.platform.On("CreateConversation", mock.Anything, "contact-1").Return(&ghl.Conversation{ID: "conv-1"}, nil)
	f.platform.On("PostInboundMessage", mock.Anything, "conv-1", mock.MatchedBy(func(m *ghl.PlatformMessage) bool {
		return m.Message == "Hello" && m.ContactID == "contact-1" && m.LocationID == "loc-1"
	})).Return(&ghl.MessageResponse{MessageID: "ghl-msg"}, nil).Once()

	w := textWebhook(&greenapi.SenderData{ChatID: "79001234567@c.us", Sender: "79001234567@c.us", SenderName: "Bob"}, "Hello")
	require.NoError(t, f.d.HandleMessagingWebhook(ctx, w, MessagingWebhookTypes))

	f.platform.AssertExpectations(t)
	f.platform.AssertNumberOfCalls(t, "UpsertContact", 1)
	f.platform.AssertNumberOfCalls(t, "PostInboundMessage", 1)
	require.Len(t, f.events.events, 1)
	assert.Equal(t, queue.EventInboundMessage, f.events.events[0].Type)
	assert.Equal(t, "ghl-msg", f.events.events[0].MessageID)
}

func TestIncomingGroupMessageIsPrefixed(t *testing.T) {
	f := newFixture(nil)

	f.store.On("GetInstance", mock.Anything, models.InstanceID(1101)).Return(authorizedInstance(), nil)
	f.platform.On("UpsertContact", mock.Anything, ghl.ContactUpsert{
		LocationID: "loc-1",
		Phone:      "+120363043968066561",
		Name:       "[Group] Team",
		Source:     ghl.ContactSource,
		Tags:       []string{"whatsapp-instance-1101", "whatsapp-group"},
	}).Return(&ghl.Contact{ID: "group-contact"}, nil)
	f.platform.On("FindConversation", mock.Anything, "group-contact").Return(&ghl.Conversation{ID: "conv-9"}, nil)
	f.platform.On("PostInboundMessage", mock.Anything, "conv-9", mock.MatchedBy(func(m *ghl.PlatformMessage) bool {
		return strings.HasPrefix(m.Message, "Alice (+79001234567):\n\n Hi")
	})).Return(&ghl.MessageResponse{MessageID: "ghl-msg"}, nil)

	w := textWebhook(&greenapi.SenderData{
		ChatID:     "120363043968066561@g.us",
		ChatName:   "Team",
		Sender:     "79001234567@c.us",
		SenderName: "Alice",
	}, "Hi")
	require.NoError(t, f.d.HandleMessagingWebhook(context.Background(), w, MessagingWebhookTypes))

	f.platform.AssertExpectations(t)
	f.platform.AssertNotCalled(t, "CreateConversation", mock.Anything, mock.Anything)
}

func TestIncomingAttachmentIsMirrored(t *testing.T) {
	mirror := &mockMirror{}
	f := newFixture(mirror)

	f.store.On("GetInstance", mock.Anything, models.InstanceID(1101)).Return(authorizedInstance(), nil)
	f.platform.On("UpsertContact", mock.Anything, mock.Anything).Return(&ghl.Contact{ID: "contact-1"}, nil)
	f.platform.On("FindConversation", mock.Anything, "contact-1").Return(&ghl.Conversation{ID: "conv-1"}, nil)
	mirror.On("MirrorAttachment", mock.Anything,
		media.Ref{TenantID: "loc-1", InstanceID: 1101, ChatID: "79001234567@c.us", MessageID: "wa-msg"},
		ghl.Attachment{URL: "https://wa.example/x.jpg", FileName: "x.jpg", MimeType: "image/jpeg"},
	).Return(ghl.Attachment{URL: "https://bucket.example/x.jpg", FileName: "x.jpg", MimeType: "image/jpeg"}, nil)
	f.platform.On("PostInboundMessage", mock.Anything, "conv-1", mock.MatchedBy(func(m *ghl.PlatformMessage) bool {
		return len(m.Attachments) == 1 && m.Attachments[0].URL == "https://bucket.example/x.jpg" && m.Message == "look"
	})).Return(&ghl.MessageResponse{MessageID: "ghl-msg"}, nil)

	w := &greenapi.Webhook{
		TypeWebhook:  greenapi.TypeIncomingMessage,
		InstanceData: greenapi.InstanceData{IDInstance: 1101},
		IDMessage:    "wa-msg",
		SenderData:   &greenapi.SenderData{ChatID: "79001234567@c.us", Sender: "79001234567@c.us"},
		MessageData: &greenapi.MessageData{
			TypeMessage:     "imageMessage",
			FileMessageData: &greenapi.FileMessageData{DownloadURL: "https://wa.example/x.jpg", FileName: "x.jpg", MimeType: "image/jpeg", Caption: "look"},
		},
	}
	require.NoError(t, f.d.HandleMessagingWebhook(context.Background(), w, MessagingWebhookTypes))
	mirror.AssertExpectations(t)
	f.platform.AssertExpectations(t)
}

func TestStateChangeUpdatesStateAndWid(t *testing.T) {
	f := newFixture(nil)
	instance := authorizedInstance()
	instance.State = models.StateNotAuthorized
	updated := *instance
	updated.State = models.StateAuthorized
	updated.Settings = models.Settings{WebhookURL: "https://bridge/webhooks/green-api"}

	f.store.On("GetInstance", mock.Anything, models.InstanceID(1101)).Return(instance, nil)
	f.store.On("UpdateInstanceState", mock.Anything, models.InstanceID(1101), models.StateAuthorized).Return(&updated, nil)
	f.store.On("UpdateInstanceSettings", mock.Anything, models.InstanceID(1101), models.Settings{
		WebhookURL: "https://bridge/webhooks/green-api",
		Wid:        "79001234567@c.us",
	}).Return(&updated, nil)

	w := &greenapi.Webhook{
		TypeWebhook:   greenapi.TypeStateChanged,
		InstanceData:  greenapi.InstanceData{IDInstance: 1101, Wid: "79001234567@c.us"},
		StateInstance: "authorized",
	}
	require.NoError(t, f.d.HandleMessagingWebhook(context.Background(), w, MessagingWebhookTypes))
	f.store.AssertExpectations(t)
	require.Len(t, f.events.events, 1)
	assert.Equal(t, queue.EventInstanceState, f.events.events[0].Type)
}

func TestMessagingWebhookFiltersAndErrors(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	w := &greenapi.Webhook{TypeWebhook: "outgoingMessageStatus", InstanceData: greenapi.InstanceData{IDInstance: 1101}}
	require.NoError(t, f.d.HandleMessagingWebhook(ctx, w, MessagingWebhookTypes))
	f.store.AssertNotCalled(t, "GetInstance", mock.Anything, mock.Anything)

	f.store.On("GetInstance", mock.Anything, models.InstanceID(404)).Return(nil, nil)
	err := f.d.HandleMessagingWebhook(ctx, &greenapi.Webhook{
		TypeWebhook:  greenapi.TypeIncomingMessage,
		InstanceData: greenapi.InstanceData{IDInstance: 404},
	}, MessagingWebhookTypes)
	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	var notFound *errs.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	unlinked := authorizedInstance()
	unlinked.ID, unlinked.TenantID = 505, ""
	f.store.On("GetInstance", mock.Anything, models.InstanceID(505)).Return(unlinked, nil)
	err = f.d.HandleMessagingWebhook(ctx, &greenapi.Webhook{
		TypeWebhook:  greenapi.TypeIncomingMessage,
		InstanceData: greenapi.InstanceData{IDInstance: 505},
	}, MessagingWebhookTypes)
	var dataErr *errs.DataError
	assert.ErrorAs(t, err, &dataErr)
}

func smsWebhook(message string) *ghl.Webhook {
	return &ghl.Webhook{
		Type:                   ghl.MessageTypeSMS,
		LocationID:             "loc-1",
		ContactID:              "contact-1",
		MessageID:              "ghl-1",
		Phone:                  "+79001234567",
		Message:                message,
		ConversationProviderID: "prov-1",
	}
}

func textTo(chatID, message string) *greenapi.OutboundMessage {
	return &greenapi.OutboundMessage{Kind: greenapi.OutboundText, ChatID: chatID, Message: message}
}

func expectUntaggedContact(f *fixture) {
	f.platform.On("UpsertContact", mock.Anything, ghl.ContactUpsert{
		LocationID: "loc-1",
		Phone:      "+79001234567",
		Source:     ghl.ContactSource,
	}).Return(&ghl.Contact{ID: "contact-1"}, nil)
}

func TestPlatformSMSIsSentAndReportedDelivered(t *testing.T) {
	f := newFixture(nil)
	expectUntaggedContact(f)
	f.store.On("GetInstancesByTenant", mock.Anything, "loc-1").Return([]models.Instance{*authorizedInstance()}, nil)
	f.messenger.On("Send", mock.Anything, textTo("79001234567@c.us", "test")).Return(&greenapi.SendResponse{IDMessage: "wa-1"}, nil).Once()
	f.statuses.On("ReportStatus", mock.Anything, "loc-1", "ghl-1", ghl.StatusDelivered, (*ghl.StatusError)(nil)).Return("job-1").Once()

	require.NoError(t, f.d.ProcessPlatformWebhook(context.Background(), smsWebhook("test")))

	f.messenger.AssertExpectations(t)
	f.statuses.AssertExpectations(t)
	require.Len(t, f.events.events, 1)
	assert.Equal(t, queue.EventOutboundSent, f.events.events[0].Type)
}

func expectRoutingFailure(f *fixture) {
	f.statuses.On("ReportStatus", mock.Anything, "loc-1", "ghl-1", ghl.StatusFailed, mock.MatchedBy(func(e *ghl.StatusError) bool {
		return e.Code == "ROUTING_ERROR" && e.Type == "saas" && e.Message != ""
	})).Return("job-3").Once()
}

func TestPlatformSMSRejectedForUnauthorizedInstance(t *testing.T) {
	f := newFixture(nil)
	expectUntaggedContact(f)
	expectRoutingFailure(f)
	instance := authorizedInstance()
	instance.State = models.StateNotAuthorized
	f.store.On("GetInstancesByTenant", mock.Anything, "loc-1").Return([]models.Instance{*instance}, nil)

	err := f.d.ProcessPlatformWebhook(context.Background(), smsWebhook("test"))
	var routingErr *errs.RoutingError
	require.ErrorAs(t, err, &routingErr)

	f.messenger.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	f.statuses.AssertExpectations(t)
}

func TestPlatformSMSAmbiguousRouteIsReportedFailed(t *testing.T) {
	f := newFixture(nil)
	f.d.Router = NewRouter(f.store, f.d.Contacts, true)
	expectUntaggedContact(f)
	expectRoutingFailure(f)
	second := authorizedInstance()
	second.ID = 2202
	f.store.On("GetInstancesByTenant", mock.Anything, "loc-1").Return([]models.Instance{*authorizedInstance(), *second}, nil)

	err := f.d.ProcessPlatformWebhook(context.Background(), smsWebhook("test"))
	var routingErr *errs.RoutingError
	require.ErrorAs(t, err, &routingErr)

	f.messenger.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	f.statuses.AssertExpectations(t)
	assert.Empty(t, f.events.events)
}

func TestPlatformSendFailureIsReported(t *testing.T) {
	f := newFixture(nil)
	expectUntaggedContact(f)
	f.store.On("GetInstancesByTenant", mock.Anything, "loc-1").Return([]models.Instance{*authorizedInstance()}, nil)
	f.messenger.On("Send", mock.Anything, &greenapi.OutboundMessage{
		Kind:    greenapi.OutboundURLFile,
		ChatID:  "79001234567@c.us",
		File:    &greenapi.FileRef{URL: "https://files.example/a.pdf", FileName: "1700000000000_ghl-1"},
		Caption: "see attached",
	}).Return(nil, &errs.UpstreamError{Service: "green-api", Path: "sendFileByUrl", Status: 466, Body: "quota exceeded"})
	f.statuses.On("ReportStatus", mock.Anything, "loc-1", "ghl-1", ghl.StatusFailed, mock.MatchedBy(func(e *ghl.StatusError) bool {
		return e.Code == "UPSTREAM_ERROR" && e.Type == "saas" && e.Message == "quota exceeded"
	})).Return("job-2").Once()

	w := smsWebhook("see attached")
	w.Attachments = []string{"https://files.example/a.pdf"}
	err := f.d.ProcessPlatformWebhook(context.Background(), w)
	require.Error(t, err)
	f.statuses.AssertExpectations(t)
	assert.Empty(t, f.events.events)
}

func TestPlatformRoutesByContactTag(t *testing.T) {
	f := newFixture(nil)
	tagged := authorizedInstance()
	tagged.ID = 2202
	f.platform.On("UpsertContact", mock.Anything, mock.Anything).
		Return(&ghl.Contact{ID: "contact-1", Tags: []string{"vip", "whatsapp-instance-2202"}}, nil)
	f.store.On("GetInstance", mock.Anything, models.InstanceID(2202)).Return(tagged, nil)
	f.messenger.On("Send", mock.Anything, textTo("79001234567@c.us", "hi")).Return(&greenapi.SendResponse{IDMessage: "wa-1"}, nil)
	f.statuses.On("ReportStatus", mock.Anything, "loc-1", "ghl-1", ghl.StatusDelivered, (*ghl.StatusError)(nil)).Return("job-1")

	require.NoError(t, f.d.ProcessPlatformWebhook(context.Background(), smsWebhook("hi")))
	f.store.AssertNotCalled(t, "GetInstancesByTenant", mock.Anything, mock.Anything)
	f.messenger.AssertExpectations(t)
}

func TestPlatformWebhookSkipsEchoesAndNonSMS(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	f.echoes.Remember("ghl-1")
	require.NoError(t, f.d.ProcessPlatformWebhook(ctx, smsWebhook("sent by a workflow")))

	other := smsWebhook("copy")
	other.MessageID = "ghl-2"
	other.Message = "Buttons:\n• Visit" + EchoMarker
	require.NoError(t, f.d.ProcessPlatformWebhook(ctx, other))

	email := smsWebhook("hello")
	email.MessageID = "ghl-3"
	email.Type = "Email"
	require.NoError(t, f.d.ProcessPlatformWebhook(ctx, email))

	empty := smsWebhook("")
	empty.MessageID = "ghl-4"
	require.NoError(t, f.d.ProcessPlatformWebhook(ctx, empty))

	f.platform.AssertNotCalled(t, "UpsertContact", mock.Anything, mock.Anything)
	f.messenger.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestPlatformWebhookWithoutInstanceIsDropped(t *testing.T) {
	f := newFixture(nil)
	expectUntaggedContact(f)
	f.store.On("GetInstancesByTenant", mock.Anything, "loc-1").Return([]models.Instance{}, nil)

	require.NoError(t, f.d.ProcessPlatformWebhook(context.Background(), smsWebhook("test")))
	f.statuses.AssertNotCalled(t, "ReportStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestValidatePlatformWebhook(t *testing.T) {
	f := newFixture(nil)
	assert.NoError(t, f.d.ValidatePlatformWebhook(smsWebhook("x")))

	wrong := smsWebhook("x")
	wrong.ConversationProviderID = "someone-else"
	var validationErr *errs.ValidationError
	assert.ErrorAs(t, f.d.ValidatePlatformWebhook(wrong), &validationErr)

	noLocation := smsWebhook("x")
	noLocation.LocationID = ""
	assert.ErrorAs(t, f.d.ValidatePlatformWebhook(noLocation), &validationErr)
}

func TestStatusErrorFor(t *testing.T) {
	e := StatusErrorFor(errs.Transform("nothing to send"))
	assert.Equal(t, &ghl.StatusError{Code: "TRANSFORM_ERROR", Type: "saas", Message: "transform error: nothing to send"}, e)
	assert.Equal(t, "INTERNAL_ERROR", StatusErrorFor(errors.New("boom")).Code)
}

func TestRouterInstanceSelection(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := models.Instance{ID: 3, TenantID: "loc-1", CreatedAt: base.Add(time.Hour)}
	oldest := models.Instance{ID: 9, TenantID: "loc-1", CreatedAt: base}
	middle := models.Instance{ID: 5, TenantID: "loc-1", CreatedAt: base.Add(time.Minute)}

	store := &mockStore{}
	store.On("GetInstancesByTenant", mock.Anything, "none").Return([]models.Instance{}, nil)
	store.On("GetInstancesByTenant", mock.Anything, "one").Return([]models.Instance{newer}, nil)
	store.On("GetInstancesByTenant", mock.Anything, "many").Return([]models.Instance{newer, oldest, middle}, nil)
	store.On("GetInstancesByTenant", mock.Anything, "many-reversed").Return([]models.Instance{middle, oldest, newer}, nil)

	router := NewRouter(store, nil, false)

	got, err := router.Resolve(ctx, "none", "")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = router.Resolve(ctx, "one", "")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceID(3), got.ID)

	for _, tenant := range []string{"many", "many-reversed"} {
		got, err = router.Resolve(ctx, tenant, "")
		require.NoError(t, err)
		assert.Equal(t, models.InstanceID(9), got.ID, tenant)
	}

	strict := NewRouter(store, nil, true)
	_, err = strict.Resolve(ctx, "many", "")
	var routingErr *errs.RoutingError
	assert.ErrorAs(t, err, &routingErr)
}

func TestRouterIgnoresForeignTag(t *testing.T) {
	platform := &mockPlatform{}
	platform.On("UpsertContact", mock.Anything, mock.Anything).
		Return(&ghl.Contact{ID: "c", Tags: []string{"whatsapp-instance-77"}}, nil)
	store := &mockStore{}
	store.On("GetInstance", mock.Anything, models.InstanceID(77)).Return(&models.Instance{ID: 77, TenantID: "loc-other"}, nil)
	store.On("GetInstancesByTenant", mock.Anything, "loc-1").Return([]models.Instance{{ID: 1, TenantID: "loc-1"}}, nil)

	router := NewRouter(store, NewContactResolver(staticPlatforms{platform: platform}), false)
	got, err := router.Resolve(context.Background(), "loc-1", "+100")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceID(1), got.ID)
}

func TestContactResolverErrors(t *testing.T) {
	authErr := &errs.AuthError{Kind: errs.NotAuthenticated, TenantID: "loc-1"}
	resolver := NewContactResolver(staticPlatforms{err: authErr})
	_, err := resolver.GetContact(context.Background(), "loc-1", "+1")
	assert.ErrorIs(t, err, authErr)

	platform := &mockPlatform{}
	platform.On("UpsertContact", mock.Anything, mock.Anything).Return(&ghl.Contact{}, nil)
	resolver = NewContactResolver(staticPlatforms{platform: platform})
	_, err = resolver.FindOrCreateContact(context.Background(), "loc-1", "100@c.us", "", 1, false)
	var dataErr *errs.DataError
	assert.ErrorAs(t, err, &dataErr)

	_, err = resolver.GetContact(context.Background(), "loc-1", "")
	assert.ErrorAs(t, err, &dataErr)
}
