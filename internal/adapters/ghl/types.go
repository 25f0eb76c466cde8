package ghl

import "time"

// Message types and directions used by the conversation provider API.
const (
	MessageTypeSMS    = "SMS"
	MessageTypeCustom = "Custom"

	DirectionInbound = "inbound"

	ContactSource = "GREEN-API"

	customProviderLastMessage = "TYPE_CUSTOM_PROVIDER_SMS"
)

// Message status values accepted by UpdateMessageStatus.
const (
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
	StatusPending   = "pending"
)

// Webhook is the outbound-message event the conversation provider receives
// when a user writes to a contact from HighLevel.
type Webhook struct {
	ContactID              string   `json:"contactId"`
	LocationID             string   `json:"locationId"`
	MessageID              string   `json:"messageId"`
	Type                   string   `json:"type"`
	Phone                  string   `json:"phone"`
	Message                string   `json:"message"`
	Attachments            []string `json:"attachments"`
	UserID                 string   `json:"userId,omitempty"`
	ConversationID         string   `json:"conversationId,omitempty"`
	CustomUserID           string   `json:"customUserId,omitempty"`
	ConversationProviderID string   `json:"conversationProviderId,omitempty"`
}

// HasContent reports whether there is anything to send.
func (w *Webhook) HasContent() bool {
	return w.Message != "" || len(w.Attachments) > 0
}

// Attachment is a file referenced by a platform message.
type Attachment struct {
	URL      string `json:"url"`
	FileName string `json:"fileName,omitempty"`
	MimeType string `json:"type,omitempty"`
}

// PlatformMessage is an inbound WhatsApp event rendered for HighLevel.
// ContactID and LocationID are filled after contact resolution.
type PlatformMessage struct {
	ContactID   string       `json:"contactId"`
	LocationID  string       `json:"locationId"`
	Message     string       `json:"message"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	Error       string       `json:"error,omitempty"`
}

// AttachmentURLs flattens attachments to the URL list HighLevel accepts.
func (m *PlatformMessage) AttachmentURLs() []string {
	if len(m.Attachments) == 0 {
		return nil
	}
	urls := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		urls = append(urls, a.URL)
	}
	return urls
}

type ContactUpsert struct {
	LocationID string   `json:"locationId"`
	Phone      string   `json:"phone"`
	Name       string   `json:"name,omitempty"`
	Source     string   `json:"source,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

type Contact struct {
	ID         string   `json:"id"`
	LocationID string   `json:"locationId,omitempty"`
	Phone      string   `json:"phone,omitempty"`
	Name       string   `json:"name,omitempty"`
	FirstName  string   `json:"firstName,omitempty"`
	LastName   string   `json:"lastName,omitempty"`
	Tags       []string `json:"tags,omitempty"`

	// Created is set when the upsert created the contact.
	Created bool `json:"-"`
}

type contactEnvelope struct {
	New     bool     `json:"new"`
	Contact *Contact `json:"contact"`
}

type Conversation struct {
	ID         string `json:"id"`
	ContactID  string `json:"contactId,omitempty"`
	LocationID string `json:"locationId,omitempty"`
}

type conversationSearch struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
}

type conversationCreate struct {
	Success      bool          `json:"success"`
	ID           string        `json:"id"`
	Conversation *Conversation `json:"conversation"`
}

// InboundMessage posts a WhatsApp message into a HighLevel conversation.
type InboundMessage struct {
	Type                   string   `json:"type"`
	ConversationID         string   `json:"conversationId"`
	ConversationProviderID string   `json:"conversationProviderId"`
	Message                string   `json:"message"`
	Direction              string   `json:"direction"`
	Attachments            []string `json:"attachments,omitempty"`
	Date                   string   `json:"date,omitempty"`
}

// OutboundMessage records a message sent on the tenant's behalf.
type OutboundMessage struct {
	Type                   string   `json:"type"`
	ContactID              string   `json:"contactId"`
	ConversationProviderID string   `json:"conversationProviderId"`
	Message                string   `json:"message"`
	Attachments            []string `json:"attachments,omitempty"`
}

type MessageResponse struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Msg            string `json:"msg,omitempty"`
}

// StatusError describes why a message could not be delivered.
type StatusError struct {
	Code    string `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type statusUpdate struct {
	Status string       `json:"status"`
	Error  *StatusError `json:"error,omitempty"`
}

// TokenResponse is the answer of the /oauth/token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
	UserType     string `json:"userType,omitempty"`
	LocationID   string `json:"locationId,omitempty"`
	CompanyID    string `json:"companyId,omitempty"`
	UserID       string `json:"userId,omitempty"`
}

// ExpiresAt is the absolute expiry relative to now.
func (t *TokenResponse) ExpiresAt(now time.Time) time.Time {
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}
