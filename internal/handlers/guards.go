package handlers

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"ghlbridge/internal/models"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/hlog"
)

type contextKey string

const locationKey contextKey = "locationId"

// LocationFromContext returns the location set by GHLContextGuard.
func LocationFromContext(ctx context.Context) string {
	id, _ := ctx.Value(locationKey).(string)
	return id
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	Respond(w, r, http.StatusUnauthorized, errors.New(msg))
}

// WorkflowTokenGuard requires the Authorization header to equal token.
func WorkflowTokenGuard(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("Authorization")
			switch {
			case got == "":
				unauthorized(w, r, "Missing or invalid authorization header")
			case token == "":
				unauthorized(w, r, "Workflow token not configured")
			case subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1:
				hlog.FromRequest(r).Warn().Msg("Invalid workflow token")
				unauthorized(w, r, "Invalid workflow token")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// ghlUserContext is the decrypted X-GHL-Context payload.
type ghlUserContext struct {
	UserID         string `json:"userId,omitempty"`
	CompanyID      string `json:"companyId,omitempty"`
	ActiveLocation string `json:"activeLocation,omitempty"`
	Role           string `json:"role,omitempty"`
	Type           string `json:"type,omitempty"`
	Email          string `json:"email,omitempty"`
	UserName       string `json:"userName,omitempty"`
}

func decryptUserContext(encrypted, secret string) (*ghlUserContext, map[string]any, error) {
	if secret == "" {
		return nil, nil, errors.New("shared secret not configured")
	}
	plain, err := DecryptCryptoJS(encrypted, secret)
	if err != nil {
		return nil, nil, err
	}
	var uc ghlUserContext
	if err := json.Unmarshal(plain, &uc); err != nil {
		return nil, nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(plain, &raw); err != nil {
		return nil, nil, err
	}
	return &uc, raw, nil
}

// GHLContextGuard decrypts the X-GHL-Context header sent by the HighLevel
// custom page and puts its active location on the request context.
func GHLContextGuard(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			encrypted := r.Header.Get("X-GHL-Context")
			if encrypted == "" {
				unauthorized(w, r, "No GHL context provided")
				return
			}
			uc, _, err := decryptUserContext(encrypted, secret)
			if err != nil || uc.ActiveLocation == "" {
				hlog.FromRequest(r).Warn().Err(err).Msg("Rejected GHL context")
				unauthorized(w, r, "Invalid GHL context")
				return
			}
			ctx := context.WithValue(r.Context(), locationKey, uc.ActiveLocation)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InstanceFinder loads an instance by id.
type InstanceFinder interface {
	GetInstance(ctx context.Context, id models.InstanceID) (*models.Instance, error)
}

const webhookTokenTTL = 5 * time.Minute

// WebhookAuth checks the per-instance bearer token GREEN-API sends with
// every webhook. Tokens are cached by instance id.
type WebhookAuth struct {
	instances InstanceFinder
	tokens    *cache.Cache
}

func NewWebhookAuth(instances InstanceFinder) *WebhookAuth {
	return &WebhookAuth{instances: instances, tokens: cache.New(webhookTokenTTL, 2*webhookTokenTTL)}
}

// Forget drops the cached token of a removed or reconfigured instance.
func (a *WebhookAuth) Forget(id models.InstanceID) {
	a.tokens.Delete(id.String())
}

func (a *WebhookAuth) token(ctx context.Context, id models.InstanceID) (string, error) {
	if cached, ok := a.tokens.Get(id.String()); ok {
		return cached.(string), nil
	}
	instance, err := a.instances.GetInstance(ctx, id)
	if err != nil {
		return "", err
	}
	if instance == nil {
		return "", nil
	}
	a.tokens.SetDefault(id.String(), instance.Settings.WebhookURLToken)
	return instance.Settings.WebhookURLToken, nil
}

// Guard rejects webhooks whose bearer token does not match the instance.
func (a *WebhookAuth) Guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := hlog.FromRequest(r)

		bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || bearer == "" {
			unauthorized(w, r, "Missing authorization token")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			Respond(w, r, http.StatusBadRequest, errors.New("failed to read request body"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var envelope struct {
			InstanceData struct {
				IDInstance models.InstanceID `json:"idInstance"`
			} `json:"instanceData"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil || envelope.InstanceData.IDInstance == 0 {
			unauthorized(w, r, "Missing instance id")
			return
		}
		id := envelope.InstanceData.IDInstance

		expected, err := a.token(r.Context(), id)
		if err != nil {
			log.Error().Err(err).Str("instanceID", id.String()).Msg("Failed to load instance for webhook auth")
			Respond(w, r, http.StatusInternalServerError, errors.New("internal error"))
			return
		}
		if expected == "" || subtle.ConstantTimeCompare([]byte(bearer), []byte(expected)) != 1 {
			log.Warn().Str("instanceID", id.String()).Msg("Invalid GREEN-API webhook token")
			unauthorized(w, r, "Invalid webhook token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
