package ghl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"ghlbridge/internal/errs"
	"ghlbridge/internal/models"
	"ghlbridge/pkg/httputil"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	serviceName = "highlevel"

	// Tokens expiring within this window are refreshed before use.
	refreshWindow = 5 * time.Minute
)

// TokenStore is the part of the store the factory needs.
type TokenStore interface {
	FindTenant(ctx context.Context, id string) (*models.Tenant, error)
	UpdateTenantTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) (*models.Tenant, error)
}

// TokenRefresher exchanges a refresh token for a new pair.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

type FactoryConfig struct {
	BaseURL                string
	APIVersion             string
	ConversationProviderID string
	Timeout                time.Duration
}

// Factory builds tenant-bound HighLevel clients. Refreshes for the same
// tenant are collapsed into one upstream call.
type Factory struct {
	store      TokenStore
	oauth      TokenRefresher
	http       *resty.Client
	providerID string
	refreshes  singleflight.Group
	now        func() time.Time
}

func NewFactory(store TokenStore, oauth TokenRefresher, cfg FactoryConfig) *Factory {
	client := httputil.NewDefaultRestyClient(cfg.BaseURL, cfg.Timeout).
		SetHeader("Version", cfg.APIVersion).
		SetHeader("Content-Type", "application/json")
	return &Factory{
		store:      store,
		oauth:      oauth,
		http:       client,
		providerID: cfg.ConversationProviderID,
		now:        time.Now,
	}
}

// ForTenant returns a client holding a valid access token for the tenant.
func (f *Factory) ForTenant(ctx context.Context, tenantID string) (*Client, error) {
	tenant, err := f.store.FindTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.HasTokens() {
		zerolog.Ctx(ctx).Error().Str("tenantID", tenantID).Msg("No HighLevel tokens stored for tenant")
		return nil, &errs.AuthError{Kind: errs.NotAuthenticated, TenantID: tenantID}
	}

	token := tenant.AccessToken
	if tenant.TokenExpiresAt != nil && tenant.TokenExpiresAt.Before(f.now().Add(refreshWindow)) {
		zerolog.Ctx(ctx).Info().Str("tenantID", tenantID).Msg("HighLevel access token expiring, refreshing")
		if token, err = f.refresh(ctx, tenantID); err != nil {
			return nil, err
		}
	}

	return &Client{factory: f, tenantID: tenantID, token: token}, nil
}

// refresh re-reads the stored refresh token and exchanges it. Concurrent
// callers for the same tenant share a single exchange and its result.
func (f *Factory) refresh(ctx context.Context, tenantID string) (string, error) {
	v, err, shared := f.refreshes.Do(tenantID, func() (any, error) {
		// The first caller's cancellation must not fail the others.
		ctx := context.WithoutCancel(ctx)

		tenant, err := f.store.FindTenant(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if !tenant.HasTokens() {
			return nil, &errs.AuthError{Kind: errs.NotAuthenticated, TenantID: tenantID}
		}

		tok, err := f.oauth.RefreshToken(ctx, tenant.RefreshToken)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("tenantID", tenantID).Msg("Failed to refresh HighLevel access token")
			return nil, &errs.AuthError{Kind: errs.RefreshFailed, TenantID: tenantID, Err: err}
		}
		refreshToken := tok.RefreshToken
		if refreshToken == "" {
			refreshToken = tenant.RefreshToken
		}
		if _, err := f.store.UpdateTenantTokens(ctx, tenantID, tok.AccessToken, refreshToken, tok.ExpiresAt(f.now())); err != nil {
			return nil, fmt.Errorf("failed to persist refreshed tokens: %w", err)
		}
		zerolog.Ctx(ctx).Info().Str("tenantID", tenantID).Msg("HighLevel access token refreshed")
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		zerolog.Ctx(ctx).Debug().Str("tenantID", tenantID).Msg("Joined in-flight token refresh")
	}
	return v.(string), nil
}

// Client is bound to one tenant. It replays a request once after a 401.
type Client struct {
	factory  *Factory
	tenantID string

	mu    sync.RWMutex
	token string
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type request struct {
	method string
	path   string
	query  map[string]string
	body   any
	result any
}

func (c *Client) send(ctx context.Context, r request) (*resty.Response, error) {
	req := c.factory.http.R().
		SetContext(ctx).
		SetAuthToken(c.bearer())
	if r.query != nil {
		req.SetQueryParams(r.query)
	}
	if r.body != nil {
		req.SetBody(r.body)
	}
	if r.result != nil {
		req.SetResult(r.result)
	}
	return req.Execute(r.method, r.path)
}

func (c *Client) do(ctx context.Context, r request) error {
	log := zerolog.Ctx(ctx)

	resp, err := c.send(ctx, r)
	if err != nil {
		log.Error().Err(err).Str("method", r.method).Str("path", r.path).Msg("HighLevel request failed")
		return fmt.Errorf("HighLevel %s %s request failed: %w", r.method, r.path, err)
	}

	if resp.StatusCode() == http.StatusUnauthorized {
		log.Warn().Str("tenantID", c.tenantID).Str("path", r.path).Msg("HighLevel returned 401, refreshing token and retrying")
		token, err := c.factory.refresh(ctx, c.tenantID)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.token = token
		c.mu.Unlock()

		if resp, err = c.send(ctx, r); err != nil {
			return fmt.Errorf("HighLevel %s %s retry failed: %w", r.method, r.path, err)
		}
	}

	if resp.IsError() {
		snippet := httputil.Snippet(resp.Body(), 512)
		log.Error().Str("method", r.method).Str("path", r.path).Int("statusCode", resp.StatusCode()).Str("responseBody", snippet).Msg("HighLevel API returned an error")
		return &errs.UpstreamError{Service: serviceName, Method: r.method, Path: r.path, Status: resp.StatusCode(), Body: snippet}
	}
	return nil
}

// UpsertContact creates or updates a contact by phone.
func (c *Client) UpsertContact(ctx context.Context, in ContactUpsert) (*Contact, error) {
	if in.LocationID == "" {
		in.LocationID = c.tenantID
	}
	out := &contactEnvelope{}
	if err := c.do(ctx, request{method: http.MethodPost, path: "/contacts/upsert", body: in, result: out}); err != nil {
		return nil, err
	}
	if out.Contact == nil || out.Contact.ID == "" {
		return nil, errs.Data("contact upsert response has no contact id")
	}
	out.Contact.Created = out.New
	return out.Contact, nil
}

// FindConversation returns nil, nil when the contact has no provider conversation.
func (c *Client) FindConversation(ctx context.Context, contactID string) (*Conversation, error) {
	out := &conversationSearch{}
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/conversations/search",
		query: map[string]string{
			"locationId":      c.tenantID,
			"contactId":       contactID,
			"limit":           "1",
			"lastMessageType": customProviderLastMessage,
		},
		result: out,
	})
	if err != nil {
		return nil, err
	}
	if len(out.Conversations) == 0 {
		return nil, nil
	}
	return &out.Conversations[0], nil
}

func (c *Client) CreateConversation(ctx context.Context, contactID string) (*Conversation, error) {
	out := &conversationCreate{}
	body := map[string]string{"locationId": c.tenantID, "contactId": contactID}
	if err := c.do(ctx, request{method: http.MethodPost, path: "/conversations/", body: body, result: out}); err != nil {
		return nil, err
	}
	id := out.ID
	if out.Conversation != nil && out.Conversation.ID != "" {
		id = out.Conversation.ID
	}
	if id == "" {
		return nil, errs.Data("create conversation response has no id")
	}
	return &Conversation{ID: id, ContactID: contactID, LocationID: c.tenantID}, nil
}

// PostInboundMessage records a WhatsApp message in the conversation.
func (c *Client) PostInboundMessage(ctx context.Context, conversationID string, msg *PlatformMessage) (*MessageResponse, error) {
	body := InboundMessage{
		Type:                   MessageTypeCustom,
		ConversationID:         conversationID,
		ConversationProviderID: c.factory.providerID,
		Message:                msg.Message,
		Direction:              DirectionInbound,
		Attachments:            msg.AttachmentURLs(),
	}
	if !msg.Timestamp.IsZero() {
		body.Date = msg.Timestamp.UTC().Format(time.RFC3339)
	}
	out := &MessageResponse{}
	if err := c.do(ctx, request{method: http.MethodPost, path: "/conversations/messages/inbound", body: body, result: out}); err != nil {
		return nil, err
	}
	return out, nil
}

// PostOutboundMessage records a message the bridge sent for the tenant. The
// returned message id is what the provider webhook will later carry.
func (c *Client) PostOutboundMessage(ctx context.Context, contactID, message string) (*MessageResponse, error) {
	body := OutboundMessage{
		Type:                   MessageTypeCustom,
		ContactID:              contactID,
		ConversationProviderID: c.factory.providerID,
		Message:                message,
	}
	out := &MessageResponse{}
	if err := c.do(ctx, request{method: http.MethodPost, path: "/conversations/messages", body: body, result: out}); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateMessageStatus(ctx context.Context, messageID, status string, statusErr *StatusError) error {
	if messageID == "" {
		return errors.New("message id is required for a status update")
	}
	body := statusUpdate{Status: status, Error: statusErr}
	return c.do(ctx, request{method: http.MethodPut, path: "/conversations/messages/" + messageID + "/status", body: body})
}
