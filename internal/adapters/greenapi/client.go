package greenapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"ghlbridge/internal/errs"
	"ghlbridge/internal/models"
	"ghlbridge/pkg/httputil"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const serviceName = "green-api"

// Factory hands out per-instance clients sharing one HTTP connection pool.
type Factory struct {
	http *resty.Client
}

func NewFactory(baseURL string, timeout time.Duration) *Factory {
	return &Factory{http: httputil.NewDefaultRestyClient(baseURL, timeout)}
}

// For returns a client bound to the instance credentials.
func (f *Factory) For(id models.InstanceID, apiToken string) *Client {
	return &Client{http: f.http, id: id, token: apiToken}
}

// Client calls the GREEN-API methods of a single instance.
type Client struct {
	http  *resty.Client
	id    models.InstanceID
	token string
}

func (c *Client) url(method string) string {
	return fmt.Sprintf("/waInstance%s/%s/%s", c.id, method, c.token)
}

// call performs one request. The api token is part of the path, so only the
// method name is ever logged.
func (c *Client) call(ctx context.Context, httpMethod, method string, body, result any) error {
	req := c.http.R().SetContext(ctx).SetResult(result)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(httpMethod, c.url(method))
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("instanceID", c.id.String()).Str("method", method).Msg("GREEN-API request failed")
		return fmt.Errorf("GREEN-API %s request failed: %w", method, err)
	}
	if resp.IsError() {
		snippet := httputil.Snippet(resp.Body(), 512)
		zerolog.Ctx(ctx).Error().Str("instanceID", c.id.String()).Str("method", method).Int("statusCode", resp.StatusCode()).Str("responseBody", snippet).Msg("GREEN-API returned an error")
		return &errs.UpstreamError{Service: serviceName, Method: httpMethod, Path: method, Status: resp.StatusCode(), Body: snippet}
	}
	return nil
}

func (c *Client) SendMessage(ctx context.Context, chatID, message string) (*SendResponse, error) {
	out := &SendResponse{}
	err := c.call(ctx, http.MethodPost, "sendMessage", map[string]string{"chatId": chatID, "message": message}, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendFileByURL(ctx context.Context, chatID string, file FileRef, caption string) (*SendResponse, error) {
	body := map[string]string{"chatId": chatID, "urlFile": file.URL, "fileName": file.FileName}
	if caption != "" {
		body["caption"] = caption
	}
	out := &SendResponse{}
	if err := c.call(ctx, http.MethodPost, "sendFileByUrl", body, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Send dispatches an OutboundMessage to the matching send method.
func (c *Client) Send(ctx context.Context, msg *OutboundMessage) (*SendResponse, error) {
	switch msg.Kind {
	case OutboundText:
		return c.SendMessage(ctx, msg.ChatID, msg.Message)
	case OutboundURLFile:
		if msg.File == nil {
			return nil, errs.Transform("url-file message without a file")
		}
		return c.SendFileByURL(ctx, msg.ChatID, *msg.File, msg.Caption)
	default:
		return nil, errs.Transform("unknown outbound message type %q", msg.Kind)
	}
}

func (c *Client) SendInteractiveButtons(ctx context.Context, msg InteractiveButtons) (*SendResponse, error) {
	out := &SendResponse{}
	if err := c.call(ctx, http.MethodPost, "sendInteractiveButtons", msg, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendInteractiveButtonsReply(ctx context.Context, msg ReplyButtons) (*SendResponse, error) {
	out := &SendResponse{}
	if err := c.call(ctx, http.MethodPost, "sendInteractiveButtonsReply", msg, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetWaSettings(ctx context.Context) (*WaSettings, error) {
	out := &WaSettings{}
	if err := c.call(ctx, http.MethodGet, "getWaSettings", nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SetSettings(ctx context.Context, settings models.Settings) error {
	out := &setSettingsResponse{}
	if err := c.call(ctx, http.MethodPost, "setSettings", settings, out); err != nil {
		return err
	}
	if !out.SaveSettings {
		return fmt.Errorf("GREEN-API did not save settings for instance %s", c.id)
	}
	return nil
}

// GetQR returns the current QR code as base64 PNG, or an alreadyLogged answer.
func (c *Client) GetQR(ctx context.Context) (*QRResponse, error) {
	out := &QRResponse{}
	if err := c.call(ctx, http.MethodGet, "qr", nil, out); err != nil {
		return nil, err
	}
	return out, nil
}
