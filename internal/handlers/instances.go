package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"ghlbridge/internal/adapters/greenapi"
	"ghlbridge/internal/errs"
	"ghlbridge/internal/models"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"
	"github.com/vincent-petithory/dataurl"
)

// InstanceManager is implemented by services.InstanceService.
type InstanceManager interface {
	Provision(ctx context.Context, tenantID string, id models.InstanceID, apiToken, name string) (*models.Instance, error)
	List(ctx context.Context, tenantID string) ([]models.Instance, error)
	Remove(ctx context.Context, tenantID string, id models.InstanceID) error
	Rename(ctx context.Context, tenantID string, id models.InstanceID, name string) (*models.Instance, error)
	QR(ctx context.Context, tenantID string, id models.InstanceID) (*greenapi.QRResponse, error)
}

// TenantFinder loads a tenant by location id.
type TenantFinder interface {
	FindTenant(ctx context.Context, id string) (*models.Tenant, error)
}

type CreateInstanceRequest struct {
	LocationID string            `json:"locationId"`
	InstanceID models.InstanceID `json:"instanceId"`
	APIToken   string            `json:"apiToken"`
	Name       string            `json:"name,omitempty"`
}

func (req *CreateInstanceRequest) Validate(ctx context.Context) error {
	err := validation.ValidateStructWithContext(ctx, req,
		validation.Field(&req.LocationID, validation.Required),
		validation.Field(&req.InstanceID, validation.Required, validation.Min(models.InstanceID(1))),
		validation.Field(&req.APIToken, validation.Required, is.Alphanumeric),
		validation.Field(&req.Name, validation.Length(0, 100)),
	)
	if err != nil {
		return errs.Validation("%s", err.Error())
	}
	return nil
}

type UpdateInstanceRequest struct {
	Name string `json:"name"`
}

type instanceView struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	State     models.InstanceState `json:"state"`
	CreatedAt time.Time            `json:"createdAt"`
	Settings  *models.Settings     `json:"settings,omitempty"`
}

func viewOf(i *models.Instance, withSettings bool) instanceView {
	v := instanceView{ID: i.ID.String(), Name: i.DisplayName(), State: i.State, CreatedAt: i.CreatedAt}
	if withSettings {
		s := i.Settings
		v.Settings = &s
	}
	return v
}

// InstanceHandler serves the instance management API used by the HighLevel
// custom page. Every route sits behind GHLContextGuard.
type InstanceHandler struct {
	instances InstanceManager
	auth      *WebhookAuth
}

// NewInstanceHandler builds the handler. auth may be nil; when set, removed
// instances are evicted from its token cache.
func NewInstanceHandler(instances InstanceManager, auth *WebhookAuth) *InstanceHandler {
	return &InstanceHandler{instances: instances, auth: auth}
}

// scopedLocation rejects requests for another location than the one in the
// GHL context.
func scopedLocation(r *http.Request, requested string) (string, error) {
	active := LocationFromContext(r.Context())
	if requested != "" && active != "" && requested != active {
		return "", errs.NotFound("location", requested)
	}
	if requested == "" {
		return active, nil
	}
	return requested, nil
}

func instanceIDVar(r *http.Request) (models.InstanceID, error) {
	id, err := models.ParseInstanceID(mux.Vars(r)["instanceId"])
	if err != nil {
		return 0, errs.Validation("%s", err.Error())
	}
	return id, nil
}

// List answers GET /api/instances/{locationId}.
func (h *InstanceHandler) List() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		locationID, err := scopedLocation(r, mux.Vars(r)["locationId"])
		if err != nil {
			respondMessage(w, r, http.StatusNotFound, "Location not found")
			return
		}
		instances, err := h.instances.List(r.Context(), locationID)
		var notFound *errs.NotFoundError
		if errors.As(err, &notFound) {
			respondMessage(w, r, http.StatusNotFound, "Location not found")
			return
		}
		if err != nil {
			RespondError(w, r, err)
			return
		}

		views := make([]instanceView, 0, len(instances))
		for i := range instances {
			views = append(views, viewOf(&instances[i], true))
		}
		respondWithJSON(w, r, http.StatusOK, map[string]any{"success": true, "instances": views})
	}
}

// Create answers POST /api/instances.
func (h *InstanceHandler) Create() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateInstanceRequest
		if err := decodeJSON(r, &req); err != nil {
			RespondError(w, r, err)
			return
		}
		req.APIToken = strings.TrimSpace(req.APIToken)
		if req.LocationID == "" {
			req.LocationID = LocationFromContext(r.Context())
		}
		if err := req.Validate(r.Context()); err != nil {
			RespondError(w, r, err)
			return
		}
		locationID, err := scopedLocation(r, req.LocationID)
		if err != nil {
			respondMessage(w, r, http.StatusBadRequest, "Location not found. Please ensure OAuth is completed.")
			return
		}

		instance, err := h.instances.Provision(r.Context(), locationID, req.InstanceID, req.APIToken, req.Name)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("instanceID", req.InstanceID.String()).Msg("Error creating instance")
			var (
				authErr       *errs.AuthError
				validationErr *errs.ValidationError
			)
			switch {
			case errors.Is(err, errs.ErrConflict):
				respondMessage(w, r, http.StatusConflict, "Instance ID already exists")
			case errors.As(err, &authErr):
				respondMessage(w, r, http.StatusUnauthorized, "OAuth authentication required")
			case errors.As(err, &validationErr) && strings.Contains(validationErr.Reason, "credentials"):
				respondMessage(w, r, http.StatusBadRequest, "Invalid GREEN-API credentials")
			case errors.As(err, &validationErr):
				respondMessage(w, r, http.StatusBadRequest, "Location not found. Please ensure OAuth is completed.")
			default:
				RespondError(w, r, err)
			}
			return
		}
		if h.auth != nil {
			h.auth.Forget(instance.ID)
		}
		respondWithJSON(w, r, http.StatusOK, map[string]any{"success": true, "instance": viewOf(instance, false)})
	}
}

// Delete answers DELETE /api/instances/{instanceId}.
func (h *InstanceHandler) Delete() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := instanceIDVar(r)
		if err != nil {
			RespondError(w, r, err)
			return
		}
		err = h.instances.Remove(r.Context(), LocationFromContext(r.Context()), id)
		var notFound *errs.NotFoundError
		if errors.As(err, &notFound) {
			respondMessage(w, r, http.StatusNotFound, "Instance not found")
			return
		}
		if err != nil {
			RespondError(w, r, err)
			return
		}
		if h.auth != nil {
			h.auth.Forget(id)
		}
		respondWithJSON(w, r, http.StatusOK, map[string]any{"success": true, "message": "Instance deleted successfully"})
	}
}

// Update answers PATCH /api/instances/{instanceId}.
func (h *InstanceHandler) Update() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := instanceIDVar(r)
		if err != nil {
			RespondError(w, r, err)
			return
		}
		var req UpdateInstanceRequest
		if err := decodeJSON(r, &req); err != nil {
			RespondError(w, r, err)
			return
		}
		instance, err := h.instances.Rename(r.Context(), LocationFromContext(r.Context()), id, strings.TrimSpace(req.Name))
		var notFound *errs.NotFoundError
		if errors.As(err, &notFound) {
			respondMessage(w, r, http.StatusNotFound, "Instance not found")
			return
		}
		if err != nil {
			RespondError(w, r, err)
			return
		}
		respondWithJSON(w, r, http.StatusOK, map[string]any{"success": true, "instance": viewOf(instance, false)})
	}
}

// QR answers GET /api/instances/{instanceId}/qr. A QR code is returned as a
// PNG data URL the page can put in an <img>.
func (h *InstanceHandler) QR() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := instanceIDVar(r)
		if err != nil {
			RespondError(w, r, err)
			return
		}
		qr, err := h.instances.QR(r.Context(), LocationFromContext(r.Context()), id)
		if err != nil {
			RespondError(w, r, err)
			return
		}
		body := map[string]any{"success": true, "type": qr.Type}
		switch qr.Type {
		case greenapi.QRTypeCode:
			img, err := QRDataURL(qr.Message)
			if err != nil {
				RespondError(w, r, errs.Data("GREEN-API returned an unreadable QR code: %v", err))
				return
			}
			body["qrCode"] = img
		default:
			body["message"] = qr.Message
		}
		respondWithJSON(w, r, http.StatusOK, body)
	}
}

// QRDataURL turns the base64 PNG GREEN-API returns into a data URL.
func QRDataURL(base64PNG string) (string, error) {
	png, err := base64.StdEncoding.DecodeString(base64PNG)
	if err != nil {
		return "", err
	}
	return dataurl.New(png, "image/png").String(), nil
}

func respondMessage(w http.ResponseWriter, r *http.Request, status int, msg string) {
	respondWithJSON(w, r, status, map[string]any{"statusCode": status, "message": msg})
}

// DecryptUserData answers POST /app/decrypt-user-data for the custom page,
// which cannot decrypt its own context.
func DecryptUserData(tenants TenantFinder, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			EncryptedData string `json:"encryptedData"`
		}
		if err := decodeJSON(r, &body); err != nil {
			respondWithJSON(w, r, http.StatusBadRequest, map[string]any{"error": "Failed to decrypt user data", "details": err.Error()})
			return
		}
		if secret == "" {
			respondWithJSON(w, r, http.StatusBadRequest, map[string]any{"error": "Shared secret not configured"})
			return
		}
		uc, raw, err := decryptUserContext(body.EncryptedData, secret)
		if err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("Error decrypting user data")
			respondWithJSON(w, r, http.StatusBadRequest, map[string]any{"error": "Failed to decrypt user data", "details": err.Error()})
			return
		}

		locationID := firstNonEmpty(uc.ActiveLocation, uc.CompanyID)
		if locationID == "" {
			respondWithJSON(w, r, http.StatusBadRequest, map[string]any{"error": "No location ID found in user data", "userData": raw})
			return
		}

		tenant, err := tenants.FindTenant(r.Context(), locationID)
		if err != nil {
			RespondError(w, r, err)
			return
		}
		var user any
		if tenant != nil {
			user = map[string]any{"id": tenant.ID, "companyId": tenant.CompanyID, "hasTokens": tenant.HasTokens()}
		}
		respondWithJSON(w, r, http.StatusOK, map[string]any{
			"success":    true,
			"locationId": locationID,
			"userData":   raw,
			"user":       user,
		})
	}
}
