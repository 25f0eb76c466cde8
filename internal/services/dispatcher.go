package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"ghlbridge/internal/adapters/ghl"
	"ghlbridge/internal/adapters/greenapi"
	"ghlbridge/internal/errs"
	"ghlbridge/internal/media"
	"ghlbridge/internal/models"
	"ghlbridge/internal/queue"
	"ghlbridge/internal/transform"
	"ghlbridge/pkg/logger"

	"github.com/rs/zerolog"
)

// MessagingWebhookTypes are the GREEN-API webhooks the bridge acts on.
var MessagingWebhookTypes = []string{
	greenapi.TypeIncomingMessage,
	greenapi.TypeStateChanged,
	greenapi.TypeIncomingCall,
}

// statusErrorType is the error type HighLevel expects from a provider.
const statusErrorType = "saas"

// DispatchError wraps any failure while handling a GREEN-API webhook.
type DispatchError struct {
	TypeWebhook string
	InstanceID  models.InstanceID
	Err         error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("failed to handle %s webhook for instance %s: %v", e.TypeWebhook, e.InstanceID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// DispatcherDeps are the collaborators of a Dispatcher. Events and Mirror
// are optional.
type DispatcherDeps struct {
	Store      Store
	Platforms  PlatformProvider
	Messengers MessengerProvider
	Contacts   *ContactResolver
	Router     *Router
	Echoes     *EchoRegistry
	Statuses   StatusReporter
	Events     EventPublisher
	Mirror     MediaMirror

	ConversationProviderID string
}

// Dispatcher moves messages between GREEN-API and HighLevel.
type Dispatcher struct {
	DispatcherDeps
	now func() time.Time
}

func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	return &Dispatcher{DispatcherDeps: deps, now: time.Now}
}

// HandleMessagingWebhook processes one GREEN-API webhook whose type is in
// allowed. Other types are skipped.
func (d *Dispatcher) HandleMessagingWebhook(ctx context.Context, w *greenapi.Webhook, allowed []string) error {
	id := w.InstanceData.IDInstance
	ctx = logger.With(ctx, "instanceID", id.String(), "typeWebhook", w.TypeWebhook)
	log := zerolog.Ctx(ctx)

	if !slices.Contains(allowed, w.TypeWebhook) {
		log.Debug().Strs("allowed", allowed).Msg("Skipping GREEN-API webhook type")
		return nil
	}

	fail := func(err error) error {
		log.Error().Err(err).Msg("Failed to handle GREEN-API webhook")
		return &DispatchError{TypeWebhook: w.TypeWebhook, InstanceID: id, Err: err}
	}

	instance, err := d.Store.GetInstance(ctx, id)
	if err != nil {
		return fail(err)
	}
	if instance == nil {
		return fail(errs.NotFound("instance", id.String()))
	}
	if instance.TenantID == "" {
		return fail(errs.Data("instance %s is not linked to a tenant", id))
	}
	ctx = logger.With(ctx, "tenantID", instance.TenantID)

	switch w.TypeWebhook {
	case greenapi.TypeStateChanged:
		err = d.handleStateChange(ctx, instance, w)
	case greenapi.TypeIncomingMessage, greenapi.TypeIncomingCall:
		err = d.handleIncoming(ctx, instance, w)
	default:
		log.Warn().Msg("Unhandled allowed GREEN-API webhook type")
		return nil
	}
	if err != nil {
		return fail(err)
	}
	return nil
}

func (d *Dispatcher) handleStateChange(ctx context.Context, instance *models.Instance, w *greenapi.Webhook) error {
	state := models.InstanceState(w.StateInstance)
	updated, err := d.Store.UpdateInstanceState(ctx, instance.ID, state)
	if err != nil {
		return err
	}

	if wid := w.InstanceData.Wid; wid != "" && wid != updated.Settings.Wid {
		settings := updated.Settings
		settings.Wid = wid
		if _, err := d.Store.UpdateInstanceSettings(ctx, instance.ID, settings); err != nil {
			return err
		}
		zerolog.Ctx(ctx).Info().Str("wid", wid).Msg("Instance WID updated")
	}

	zerolog.Ctx(ctx).Info().Str("state", string(state)).Msg("Instance state updated")
	publish(ctx, d.Events, queue.Event{
		Type:       queue.EventInstanceState,
		TenantID:   instance.TenantID,
		InstanceID: instance.ID.String(),
		Payload:    map[string]string{"state": string(state), "wid": w.InstanceData.Wid},
	})
	return nil
}

func (d *Dispatcher) handleIncoming(ctx context.Context, instance *models.Instance, w *greenapi.Webhook) error {
	phone, name, isGroup := senderOf(w)
	if phone == "" {
		return errs.Data("webhook %s carries no sender", w.IDMessage)
	}

	contact, err := d.Contacts.FindOrCreateContact(ctx, instance.TenantID, phone, name, instance.ID, isGroup)
	if err != nil {
		return err
	}

	msg := transform.ToPlatformMessage(w)
	if transform.IsUnsupported(msg) {
		return errs.Transform("%s", msg.Error)
	}
	msg.ContactID = contact.ID
	msg.LocationID = instance.TenantID

	d.mirrorAttachments(ctx, instance, w, msg)

	platform, err := d.Platforms.ForTenant(ctx, instance.TenantID)
	if err != nil {
		return err
	}
	conversation, err := platform.FindConversation(ctx, contact.ID)
	if err != nil {
		return err
	}
	if conversation == nil {
		if conversation, err = platform.CreateConversation(ctx, contact.ID); err != nil {
			return err
		}
	}

	resp, err := platform.PostInboundMessage(ctx, conversation.ID, msg)
	if err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("contactID", contact.ID).
		Str("conversationID", conversation.ID).
		Str("messageID", resp.MessageID).
		Int("attachments", len(msg.Attachments)).
		Msg("WhatsApp message posted to HighLevel")

	publish(ctx, d.Events, queue.Event{
		Type:       queue.EventInboundMessage,
		TenantID:   instance.TenantID,
		InstanceID: instance.ID.String(),
		MessageID:  resp.MessageID,
		Payload:    msg,
	})
	return nil
}

// senderOf returns the phone or chat id the contact is keyed on.
func senderOf(w *greenapi.Webhook) (phone, name string, isGroup bool) {
	if w.TypeWebhook == greenapi.TypeIncomingCall {
		return greenapi.PhoneFromChatID(w.From), "", false
	}
	sd := w.SenderData
	if sd == nil {
		return "", "", false
	}
	if sd.IsGroup() {
		return sd.ChatID, sd.ChatName, true
	}
	phone, _, _ = strings.Cut(sd.Sender, "@")
	name = sd.SenderName
	if name == "" {
		name = sd.ChatName
	}
	if name == "" {
		name = "WhatsApp " + phone
	}
	return phone, name, false
}

func (d *Dispatcher) mirrorAttachments(ctx context.Context, instance *models.Instance, w *greenapi.Webhook, msg *ghl.PlatformMessage) {
	if d.Mirror == nil || len(msg.Attachments) == 0 {
		return
	}
	chatID := w.From
	if w.SenderData != nil {
		chatID = w.SenderData.ChatID
	}
	ref := media.Ref{TenantID: instance.TenantID, InstanceID: instance.ID, ChatID: chatID, MessageID: w.IDMessage}
	for i, att := range msg.Attachments {
		mirrored, err := d.Mirror.MirrorAttachment(ctx, ref, att)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("url", att.URL).Msg("Attachment mirroring failed, forwarding the original URL")
			continue
		}
		msg.Attachments[i] = mirrored
	}
}

// ValidatePlatformWebhook checks that a HighLevel webhook is meant for this
// provider and names a tenant.
func (d *Dispatcher) ValidatePlatformWebhook(w *ghl.Webhook) error {
	if d.ConversationProviderID != "" && w.ConversationProviderID != d.ConversationProviderID {
		return errs.Validation("conversation provider id %q does not match this provider", w.ConversationProviderID)
	}
	if w.LocationID == "" {
		return errs.Validation("HighLevel location id missing")
	}
	return nil
}

// ProcessPlatformWebhook sends a message written in HighLevel to WhatsApp and
// reports its status back. Echoes of bridge-posted messages are skipped.
func (d *Dispatcher) ProcessPlatformWebhook(ctx context.Context, w *ghl.Webhook) error {
	ctx = logger.With(ctx, "tenantID", w.LocationID, "messageID", w.MessageID)
	log := zerolog.Ctx(ctx)

	if d.Echoes != nil && d.Echoes.IsEcho(w.MessageID, w.Message) {
		log.Debug().Msg("Skipping echo of a bridge-posted message")
		return nil
	}
	if w.Type != ghl.MessageTypeSMS || !w.HasContent() {
		log.Info().Str("type", w.Type).Msg("Ignoring HighLevel webhook")
		return nil
	}

	instance, err := d.Router.Resolve(ctx, w.LocationID, w.Phone)
	if err != nil {
		d.reportFailure(ctx, w, err)
		return err
	}
	if instance == nil {
		log.Warn().Msg("No GREEN-API instance for location, dropping message")
		return nil
	}
	ctx = logger.With(ctx, "instanceID", instance.ID.String())
	if !instance.Authorized() {
		err := errs.Routing("instance %s is %s, not authorized", instance.ID, instance.State)
		d.reportFailure(ctx, w, err)
		return err
	}

	out, err := transform.ToGreenAPIMessage(w, d.now())
	if err != nil {
		d.reportFailure(ctx, w, err)
		return err
	}

	resp, err := d.Messengers.For(instance.ID, instance.APIToken).Send(ctx, out)
	if err != nil {
		d.reportFailure(ctx, w, err)
		return err
	}

	zerolog.Ctx(ctx).Info().Str("kind", string(out.Kind)).Str("idMessage", resp.IDMessage).Msg("HighLevel message sent to WhatsApp")
	if d.Statuses != nil && w.MessageID != "" {
		d.Statuses.ReportStatus(ctx, w.LocationID, w.MessageID, ghl.StatusDelivered, nil)
	}
	publish(ctx, d.Events, queue.Event{
		Type:       queue.EventOutboundSent,
		TenantID:   w.LocationID,
		InstanceID: instance.ID.String(),
		MessageID:  w.MessageID,
		Payload:    map[string]string{"idMessage": resp.IDMessage, "chatId": out.ChatID, "kind": string(out.Kind)},
	})
	return nil
}

func (d *Dispatcher) reportFailure(ctx context.Context, w *ghl.Webhook, err error) {
	zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to deliver HighLevel message to WhatsApp")
	if d.Statuses == nil || w.MessageID == "" {
		return
	}
	d.Statuses.ReportStatus(ctx, w.LocationID, w.MessageID, ghl.StatusFailed, StatusErrorFor(err))
}

// StatusErrorFor builds the error body of a failed status update.
func StatusErrorFor(err error) *ghl.StatusError {
	msg := err.Error()
	var upstream *errs.UpstreamError
	if errors.As(err, &upstream) && upstream.Body != "" {
		msg = upstream.Body
	}
	return &ghl.StatusError{Code: errs.Code(err), Type: statusErrorType, Message: msg}
}
