package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"ghlbridge/internal/adapters/ghl"
	"ghlbridge/internal/errs"
	"ghlbridge/internal/models"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/rs/zerolog/hlog"
)

// CodeExchanger completes the OAuth authorization_code grant.
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code string) (*ghl.TokenResponse, error)
}

// TenantStore is the tenant part of the store the OAuth flow writes to.
type TenantStore interface {
	FindTenant(ctx context.Context, id string) (*models.Tenant, error)
	UpsertTenant(ctx context.Context, id string, tokens models.TenantTokens) (*models.Tenant, error)
}

// Provisioner links an instance to a location.
type Provisioner interface {
	Provision(ctx context.Context, tenantID string, id models.InstanceID, apiToken, name string) (*models.Instance, error)
}

type OAuthHandler struct {
	exchanger CodeExchanger
	tenants   TenantStore
	instances Provisioner
	now       func() time.Time
}

func NewOAuthHandler(exchanger CodeExchanger, tenants TenantStore, instances Provisioner) *OAuthHandler {
	return &OAuthHandler{exchanger: exchanger, tenants: tenants, instances: instances, now: time.Now}
}

var installedPage = template.Must(template.New("installed").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <title>OAuth Complete</title>
  <style>
    body { font-family: sans-serif; display: flex; flex-direction: column; align-items: center; justify-content: center; height: 100vh; margin: 0; text-align: center; }
    .container { padding: 20px; border: 1px solid #ccc; border-radius: 8px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
    h1 { color: #4CAF50; }
    p { font-size: 1.1em; }
  </style>
</head>
<body>
  <div class="container">
    <h1>Almost There!</h1>
    <p>GREEN-API app has been successfully installed for your account.</p>
    <p>Please return to the previous tab where you started the app installation to complete the final authentication step.</p>
    <p>This page can now be closed.</p>
  </div>
</body>
</html>
`))

// Callback answers GET /oauth/callback?code=.
func (h *OAuthHandler) Callback() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := hlog.FromRequest(r)

		code := r.URL.Query().Get("code")
		if code == "" {
			log.Error().Msg("OAuth callback missing code")
			respondMessage(w, r, http.StatusBadRequest, "Invalid OAuth callback from GHL (missing code).")
			return
		}

		tok, err := h.exchanger.ExchangeCode(r.Context(), code)
		if err != nil {
			log.Error().Err(err).Msg("Error exchanging OAuth code for tokens")
			status := http.StatusInternalServerError
			detail := "Unknown GHL OAuth error"
			var upstream *errs.UpstreamError
			if errors.As(err, &upstream) {
				status, detail = upstream.Status, upstream.Body
			}
			respondMessage(w, r, status, "Failed to obtain GHL tokens: "+detail)
			return
		}
		if tok.LocationID == "" {
			log.Error().Str("companyId", tok.CompanyID).Msg("Token response did not include locationId")
			respondMessage(w, r, http.StatusInternalServerError, "Failed to get Location ID from GHL token response.")
			return
		}

		_, err = h.tenants.UpsertTenant(r.Context(), tok.LocationID, models.TenantTokens{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    tok.ExpiresAt(h.now()),
			CompanyID:    tok.CompanyID,
		})
		if err != nil {
			RespondError(w, r, fmt.Errorf("failed to store tokens for location %s: %w", tok.LocationID, err))
			return
		}
		log.Info().Str("locationID", tok.LocationID).Str("companyID", tok.CompanyID).Str("scope", tok.Scope).Msg("Stored HighLevel tokens")

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if err := installedPage.Execute(w, nil); err != nil {
			log.Error().Err(err).Msg("Failed to render installation page")
		}
	}
}

// ExternalAuthRequest is what HighLevel posts after the user entered the
// instance credentials during app installation.
type ExternalAuthRequest struct {
	InstanceID          string   `json:"instance_id"`
	APITokenInstance    string   `json:"api_token_instance"`
	LocationID          []string `json:"locationId"`
	CompanyID           string   `json:"companyId,omitempty"`
	ExcludedLocations   []string `json:"excludedLocations,omitempty"`
	ApproveAllLocations bool     `json:"approveAllLocations,omitempty"`
}

func (req *ExternalAuthRequest) Validate(ctx context.Context) error {
	err := validation.ValidateStructWithContext(ctx, req,
		validation.Field(&req.InstanceID, validation.Required),
		validation.Field(&req.APITokenInstance, validation.Required),
		validation.Field(&req.LocationID, validation.Required, validation.Length(1, 0), validation.Each(validation.Required)),
	)
	if err != nil {
		return errs.Validation("%s", err.Error())
	}
	return nil
}

type externalAuthResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ExternalAuthCredentials answers POST /oauth/external-auth-credentials.
func (h *OAuthHandler) ExternalAuthCredentials() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := hlog.FromRequest(r)

		var req ExternalAuthRequest
		if err := decodeJSON(r, &req); err != nil {
			respondWithJSON(w, r, http.StatusBadRequest, externalAuthResponse{Message: err.Error()})
			return
		}
		req.InstanceID = strings.TrimSpace(req.InstanceID)
		if err := req.Validate(r.Context()); err != nil {
			respondWithJSON(w, r, http.StatusBadRequest, externalAuthResponse{Message: err.Error()})
			return
		}
		locationID := req.LocationID[0]
		log.Info().Strs("locationId", req.LocationID).Msg("Received external authentication credentials")

		tenant, err := h.tenants.FindTenant(r.Context(), locationID)
		if err != nil {
			RespondError(w, r, err)
			return
		}
		if tenant == nil {
			log.Error().Str("locationID", locationID).Msg("External auth for a location without OAuth tokens")
			respondWithJSON(w, r, http.StatusBadRequest, externalAuthResponse{
				Message: "User authentication (OAuth) for this location not found. Please ensure OAuth is completed first.",
			})
			return
		}

		invalid := externalAuthResponse{
			Message: "Invalid Green-API Instance ID or API Token provided. Please check your credentials and try installing the app again.",
			Error:   "INVALID_CREDENTIALS",
		}
		id, err := models.ParseInstanceID(req.InstanceID)
		if err != nil {
			respondWithJSON(w, r, http.StatusBadRequest, invalid)
			return
		}
		if _, err := h.instances.Provision(r.Context(), locationID, id, req.APITokenInstance, ""); err != nil {
			log.Error().Err(err).Str("locationID", locationID).Msg("Error linking GREEN-API instance via external auth")
			var validationErr *errs.ValidationError
			if errors.As(err, &validationErr) {
				respondWithJSON(w, r, http.StatusBadRequest, invalid)
				return
			}
			status := http.StatusInternalServerError
			if errors.Is(err, errs.ErrConflict) {
				status = http.StatusConflict
			}
			respondWithJSON(w, r, status, externalAuthResponse{
				Message: "Failed to connect Green-API instance.",
				Error:   "CONNECTION_FAILED",
			})
			return
		}

		log.Info().Str("locationID", locationID).Str("instanceID", id.String()).Msg("Linked GREEN-API instance via external auth")
		respondWithJSON(w, r, http.StatusOK, externalAuthResponse{Success: true, Message: "Green-API instance connected successfully."})
	}
}
