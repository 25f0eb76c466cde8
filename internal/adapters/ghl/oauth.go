package ghl

import (
	"context"
	"fmt"
	"time"

	"ghlbridge/internal/errs"
	"ghlbridge/pkg/httputil"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const tokenPath = "/oauth/token"

// OAuth talks to the HighLevel token endpoint.
type OAuth struct {
	http         *resty.Client
	clientID     string
	clientSecret string
	redirectURL  string
}

func NewOAuth(baseURL, clientID, clientSecret, redirectURL string, timeout time.Duration) *OAuth {
	return &OAuth{
		http:         httputil.NewDefaultRestyClient(baseURL, timeout),
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURL:  redirectURL,
	}
}

// ExchangeCode completes the authorization_code grant of the OAuth callback.
func (o *OAuth) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	return o.token(ctx, map[string]string{
		"grant_type":   "authorization_code",
		"code":         code,
		"redirect_uri": o.redirectURL,
		"user_type":    "Location",
	})
}

// RefreshToken exchanges a refresh token for a new token pair.
func (o *OAuth) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	return o.token(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"user_type":     "Location",
	})
}

func (o *OAuth) token(ctx context.Context, form map[string]string) (*TokenResponse, error) {
	form["client_id"] = o.clientID
	form["client_secret"] = o.clientSecret

	resp, err := o.http.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&TokenResponse{}).
		Post(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("HighLevel token request failed: %w", err)
	}
	if resp.IsError() {
		snippet := httputil.Snippet(resp.Body(), 512)
		zerolog.Ctx(ctx).Error().Str("grantType", form["grant_type"]).Int("statusCode", resp.StatusCode()).Str("responseBody", snippet).Msg("HighLevel token endpoint returned an error")
		return nil, &errs.UpstreamError{Service: serviceName, Method: resp.Request.Method, Path: tokenPath, Status: resp.StatusCode(), Body: snippet}
	}

	tok := resp.Result().(*TokenResponse)
	if tok.AccessToken == "" {
		return nil, errs.Data("token response without access_token")
	}
	return tok, nil
}
