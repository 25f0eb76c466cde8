package handlers

import (
	"context"
	"net/http"

	"ghlbridge/internal/errs"
	"ghlbridge/internal/services"
	"ghlbridge/pkg/logger"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/rs/zerolog"
)

// WorkflowRunner executes workflow actions.
type WorkflowRunner interface {
	Execute(ctx context.Context, tenantID, phone, contactID string, p *services.WorkflowPayload) (*services.WorkflowResult, error)
}

// WorkflowExtras is the HighLevel-provided context of a workflow action.
type WorkflowExtras struct {
	LocationID   string `json:"locationId"`
	ContactID    string `json:"contactId"`
	ContactPhone string `json:"contactPhone"`
}

type WorkflowMeta struct {
	Key     string `json:"key"`
	Version string `json:"version"`
}

type WorkflowActionRequest struct {
	Data   *services.WorkflowData `json:"data"`
	Extras WorkflowExtras         `json:"extras"`
	Meta   WorkflowMeta           `json:"meta"`
}

func (req *WorkflowActionRequest) Validate(ctx context.Context) error {
	err := validation.ValidateStructWithContext(ctx, req,
		validation.Field(&req.Data, validation.Required),
	)
	if err != nil {
		return errs.Validation("%s", err.Error())
	}
	return nil
}

type WorkflowHandler struct {
	runner WorkflowRunner
}

func NewWorkflowHandler(runner WorkflowRunner) *WorkflowHandler {
	return &WorkflowHandler{runner: runner}
}

// Action runs a "send WhatsApp message" workflow step. The location and
// contact phone come from the locationId and contactPhone headers, falling
// back to the extras object.
func (h *WorkflowHandler) Action() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req WorkflowActionRequest
		if err := decodeJSON(r, &req); err != nil {
			RespondError(w, r, err)
			return
		}
		if err := req.Validate(r.Context()); err != nil {
			RespondError(w, r, err)
			return
		}

		locationID := firstNonEmpty(r.Header.Get("locationId"), req.Extras.LocationID)
		phone := firstNonEmpty(r.Header.Get("contactPhone"), req.Extras.ContactPhone)
		ctx := logger.With(r.Context(), "workflowKey", req.Meta.Key)

		result, err := h.runner.Execute(ctx, locationID, phone, req.Extras.ContactID, req.Data.Payload())
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("locationID", locationID).Msg("Workflow action failed")
			RespondError(w, r, err)
			return
		}

		body := map[string]any{"success": true, "messageId": result.MessageID}
		if result.PlatformMessageID != "" {
			body["platformMessageId"] = result.PlatformMessageID
		}
		if result.Warning != "" {
			body["warning"] = result.Warning
		}
		respondWithJSON(w, r, http.StatusOK, body)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
