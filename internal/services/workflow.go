package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"ghlbridge/internal/adapters/greenapi"
	"ghlbridge/internal/errs"
	"ghlbridge/internal/models"
	"ghlbridge/internal/queue"
	"ghlbridge/pkg/logger"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/rs/zerolog"
)

// WorkflowKind selects what a workflow action sends.
type WorkflowKind string

const (
	KindText               WorkflowKind = "text"
	KindFile               WorkflowKind = "file"
	KindInteractiveButtons WorkflowKind = "interactive-buttons"
	KindReplyButtons       WorkflowKind = "reply-buttons"
)

const maxWorkflowButtons = 3

// Interactive button types.
const (
	ButtonCopy = "copy"
	ButtonCall = "call"
	ButtonURL  = "url"
)

type WorkflowButton struct {
	Type  string `json:"type,omitempty"`
	Text  string `json:"text"`
	Value string `json:"value,omitempty"`
}

// WorkflowPayload is one validated workflow action.
type WorkflowPayload struct {
	Kind       WorkflowKind
	InstanceID models.InstanceID
	Message    string
	URL        string
	FileName   string
	Header     string
	Body       string
	Footer     string
	Buttons    []WorkflowButton
}

// WorkflowData is the "data" object of a workflow action request. Kind is
// optional; without it the kind is inferred from the populated fields.
type WorkflowData struct {
	Kind       WorkflowKind      `json:"kind"`
	InstanceID models.InstanceID `json:"instanceId"`
	Message    string            `json:"message"`
	URL        string            `json:"url"`
	FileName   string            `json:"fileName"`
	Header     string            `json:"header"`
	Body       string            `json:"body"`
	Footer     string            `json:"footer"`
	Buttons    []WorkflowButton  `json:"buttons"`

	Button1Type  string `json:"button1Type"`
	Button1Text  string `json:"button1Text"`
	Button1Value string `json:"button1Value"`
	Button2Type  string `json:"button2Type"`
	Button2Text  string `json:"button2Text"`
	Button2Value string `json:"button2Value"`
	Button3Type  string `json:"button3Type"`
	Button3Text  string `json:"button3Text"`
	Button3Value string `json:"button3Value"`
}

// Payload resolves the kind and builds the payload. It does not validate.
func (d WorkflowData) Payload() *WorkflowPayload {
	p := &WorkflowPayload{
		Kind:       d.Kind,
		InstanceID: d.InstanceID,
		Message:    d.Message,
		URL:        d.URL,
		FileName:   d.FileName,
		Header:     d.Header,
		Body:       d.Body,
		Footer:     d.Footer,
		Buttons:    d.Buttons,
	}
	if p.Kind == "" {
		p.Kind = d.inferKind()
	}
	if len(p.Buttons) == 0 {
		p.Buttons = d.slotButtons(p.Kind == KindInteractiveButtons)
	}
	if p.Body == "" && (p.Kind == KindInteractiveButtons || p.Kind == KindReplyButtons) {
		p.Body = p.Message
	}
	return p
}

// inferKind keeps requests from workflow templates without a kind working.
func (d WorkflowData) inferKind() WorkflowKind {
	switch {
	case d.URL != "" && d.FileName != "":
		return KindFile
	case d.Button1Type != "":
		return KindInteractiveButtons
	case d.Button1Text != "":
		return KindReplyButtons
	default:
		return KindText
	}
}

func (d WorkflowData) slotButtons(typed bool) []WorkflowButton {
	slots := [][3]string{
		{d.Button1Type, d.Button1Text, d.Button1Value},
		{d.Button2Type, d.Button2Text, d.Button2Value},
		{d.Button3Type, d.Button3Text, d.Button3Value},
	}
	var out []WorkflowButton
	for _, s := range slots {
		if s[0] == "" && s[1] == "" && s[2] == "" {
			continue
		}
		b := WorkflowButton{Text: s[1]}
		if typed {
			b.Type, b.Value = s[0], s[2]
		}
		out = append(out, b)
	}
	return out
}

// Validate rejects malformed combinations.
func (p *WorkflowPayload) Validate(ctx context.Context) error {
	err := validation.ValidateStructWithContext(ctx, p,
		validation.Field(&p.Kind, validation.Required, validation.In(KindText, KindFile, KindInteractiveButtons, KindReplyButtons)),
		validation.Field(&p.InstanceID, validation.Required),
		validation.Field(&p.Message, validation.When(p.Kind == KindText, validation.Required)),
		validation.Field(&p.URL, validation.When(p.Kind == KindFile, validation.Required, is.URL)),
		validation.Field(&p.FileName, validation.When(p.Kind == KindFile, validation.Required)),
		validation.Field(&p.Buttons,
			validation.When(p.Kind == KindInteractiveButtons || p.Kind == KindReplyButtons,
				validation.Required, validation.Length(1, maxWorkflowButtons)),
			validation.Each(validation.By(buttonRule(p.Kind))),
		),
	)
	if err != nil {
		return errs.Validation("invalid workflow action: %s", err.Error())
	}
	return nil
}

func buttonRule(kind WorkflowKind) validation.RuleFunc {
	return func(value any) error {
		b, ok := value.(WorkflowButton)
		if !ok {
			return fmt.Errorf("unexpected button %T", value)
		}
		if strings.TrimSpace(b.Text) == "" {
			return fmt.Errorf("button text is required")
		}
		if kind != KindInteractiveButtons {
			return nil
		}
		switch b.Type {
		case ButtonCopy, ButtonCall:
		case ButtonURL:
			if err := is.URL.Validate(b.Value); err != nil {
				return fmt.Errorf("url button value: %w", err)
			}
		default:
			return fmt.Errorf("button type %q must be one of copy, call, url", b.Type)
		}
		if b.Value == "" {
			return fmt.Errorf("%s button %q needs a value", b.Type, b.Text)
		}
		return nil
	}
}

// WorkflowResult is returned to the workflow engine.
type WorkflowResult struct {
	MessageID         string `json:"messageId"`
	PlatformMessageID string `json:"platformMessageId,omitempty"`
	Warning           string `json:"warning,omitempty"`
}

// WorkflowExecutor runs "send WhatsApp message" workflow actions.
type WorkflowExecutor struct {
	store      Store
	platforms  PlatformProvider
	messengers MessengerProvider
	contacts   *ContactResolver
	echoes     *EchoRegistry
	events     EventPublisher
}

func NewWorkflowExecutor(store Store, platforms PlatformProvider, messengers MessengerProvider, contacts *ContactResolver, echoes *EchoRegistry, events EventPublisher) *WorkflowExecutor {
	return &WorkflowExecutor{
		store:      store,
		platforms:  platforms,
		messengers: messengers,
		contacts:   contacts,
		echoes:     echoes,
		events:     events,
	}
}

// Execute sends the payload through the tenant's instance, then records a
// transcript in HighLevel. A transcript failure only produces a warning.
func (e *WorkflowExecutor) Execute(ctx context.Context, tenantID, phone, contactID string, p *WorkflowPayload) (*WorkflowResult, error) {
	if err := p.Validate(ctx); err != nil {
		return nil, err
	}
	if tenantID == "" {
		return nil, errs.Validation("location id is required")
	}
	if phone == "" {
		return nil, errs.Validation("contact phone is required")
	}
	ctx = logger.With(ctx, "tenantID", tenantID, "instanceID", p.InstanceID.String(), "kind", string(p.Kind))

	instance, err := e.store.GetInstance(ctx, p.InstanceID)
	if err != nil {
		return nil, err
	}
	if instance == nil || instance.TenantID != tenantID {
		return nil, errs.NotFound("instance", p.InstanceID.String())
	}
	if !instance.Authorized() {
		return nil, errs.Routing("instance %s is %s, not authorized", instance.ID, instance.State)
	}

	resp, err := e.send(ctx, e.messengers.For(instance.ID, instance.APIToken), greenapi.ChatID(phone), p)
	if err != nil {
		return nil, err
	}
	result := &WorkflowResult{MessageID: resp.IDMessage}
	zerolog.Ctx(ctx).Info().Str("idMessage", resp.IDMessage).Msg("Workflow action sent")

	platformID, err := e.postTranscript(ctx, tenantID, phone, contactID, Transcript(p))
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Message sent but the HighLevel transcript could not be posted")
		result.Warning = "message sent, but it could not be recorded in the HighLevel conversation: " + err.Error()
	}
	result.PlatformMessageID = platformID

	publish(ctx, e.events, queue.Event{
		Type:       queue.EventWorkflowAction,
		TenantID:   tenantID,
		InstanceID: instance.ID.String(),
		MessageID:  resp.IDMessage,
		Payload:    map[string]string{"kind": string(p.Kind), "phone": phone},
	})
	return result, nil
}

func (e *WorkflowExecutor) send(ctx context.Context, m Messenger, chatID string, p *WorkflowPayload) (*greenapi.SendResponse, error) {
	switch p.Kind {
	case KindFile:
		return m.SendFileByURL(ctx, chatID, greenapi.FileRef{URL: p.URL, FileName: p.FileName}, p.Message)
	case KindInteractiveButtons:
		msg := greenapi.InteractiveButtons{ChatID: chatID, Header: p.Header, Body: p.Body, Footer: p.Footer}
		for i, b := range p.Buttons {
			btn := greenapi.InteractiveButton{Type: b.Type, ButtonID: strconv.Itoa(i + 1), ButtonText: b.Text}
			switch b.Type {
			case ButtonCopy:
				btn.CopyCode = b.Value
			case ButtonCall:
				btn.PhoneNumber = b.Value
			case ButtonURL:
				btn.URL = b.Value
			}
			msg.Buttons = append(msg.Buttons, btn)
		}
		return m.SendInteractiveButtons(ctx, msg)
	case KindReplyButtons:
		msg := greenapi.ReplyButtons{ChatID: chatID, Header: p.Header, Body: p.Body, Footer: p.Footer}
		for i, b := range p.Buttons {
			msg.Buttons = append(msg.Buttons, greenapi.ReplyButton{ButtonID: strconv.Itoa(i + 1), ButtonText: b.Text})
		}
		return m.SendInteractiveButtonsReply(ctx, msg)
	default:
		return m.SendMessage(ctx, chatID, p.Message)
	}
}

func (e *WorkflowExecutor) postTranscript(ctx context.Context, tenantID, phone, contactID, transcript string) (string, error) {
	platform, err := e.platforms.ForTenant(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if contactID == "" {
		contact, err := e.contacts.GetContact(ctx, tenantID, phone)
		if err != nil {
			return "", err
		}
		contactID = contact.ID
	}

	resp, err := platform.PostOutboundMessage(ctx, contactID, transcript+EchoMarker)
	if err != nil {
		return "", err
	}
	if e.echoes != nil {
		e.echoes.Remember(resp.MessageID)
	}
	return resp.MessageID, nil
}

// Transcript renders what was sent as plain text for the HighLevel
// conversation.
func Transcript(p *WorkflowPayload) string {
	switch p.Kind {
	case KindFile:
		parts := nonEmpty(p.Message, fmt.Sprintf("File: %s (%s)", p.FileName, p.URL))
		return strings.Join(parts, "\n\n")
	case KindInteractiveButtons, KindReplyButtons:
		parts := nonEmpty(p.Header, p.Body, p.Footer)
		var b strings.Builder
		b.WriteString("Buttons:")
		for _, btn := range p.Buttons {
			b.WriteString("\n• ")
			b.WriteString(btn.Text)
			if p.Kind == KindInteractiveButtons && btn.Value != "" {
				b.WriteString(" (" + btn.Value + ")")
			}
		}
		return strings.Join(append(parts, b.String()), "\n\n")
	default:
		return p.Message
	}
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
