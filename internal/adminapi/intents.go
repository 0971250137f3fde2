package adminapi

import (
	"errors"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/hideaway-io/hideaway/internal/domain"
	"github.com/hideaway-io/hideaway/internal/mdm"
	"github.com/hideaway-io/hideaway/internal/webserver"
)

type intentPayload struct {
	BlockedApps    []string `json:"blocked_apps" validate:"omitempty,dive,min=1,max=255"`
	BlockedDomains []string `json:"blocked_domains" validate:"omitempty,dive,min=1,max=255"`
	Template       string   `json:"template" validate:"omitempty,max=200"`
	Clear          bool     `json:"clear"`
}

// registerIntentRoutes registers intent submission routes
func registerIntentRoutes() {
	webserver.ApiPOST("/mdm/devices/:id/intents", submitIntent)
}

// submitIntent enqueues a blocking command for one device. Naming a
// template without explicit rules submits the template's rule lists.
func submitIntent(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}

	var payload intentPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse intent parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	intent := mdm.Intent{
		BlockedApps:    payload.BlockedApps,
		BlockedDomains: payload.BlockedDomains,
		Template:       strings.TrimSpace(payload.Template),
		Clear:          payload.Clear,
	}

	if intent.Template != "" && intent.Empty() && !intent.Clear {
		var tpl domain.FocusTemplate
		err := GetDB(c).Where("name = ?", intent.Template).First(&tpl).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fail(c, http.StatusNotFound, "TEMPLATE_NOT_FOUND", "Focus template not found", nil)
		} else if err != nil {
			return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query template", err.Error())
		}
		if apps, err := decodeStringList(tpl.BlockedApps); err == nil {
			intent.BlockedApps = apps
		}
		if domains, err := decodeStringList(tpl.BlockedDomains); err == nil {
			intent.BlockedDomains = domains
		}
	}

	cmd, err := GetOrchestrator(c).SubmitIntent(c.Request().Context(), id, intent)
	switch {
	case errors.Is(err, mdm.ErrUnknownDevice):
		return fail(c, http.StatusNotFound, "DEVICE_NOT_FOUND", "Device not found", nil)
	case errors.Is(err, mdm.ErrUntrustedClient):
		return fail(c, http.StatusConflict, "DEVICE_NOT_ENROLLED", "Device is not enrolled", nil)
	case mdm.IsValidation(err):
		return fail(c, http.StatusBadRequest, "INVALID_INTENT", "Intent rejected", err.Error())
	case err != nil:
		return fail(c, http.StatusInternalServerError, "SUBMIT_FAILED", "Failed to submit intent", err.Error())
	}

	if cmd == nil {
		// Device already converged on this state.
		return ok(c, map[string]interface{}{"noop": true})
	}
	return ok(c, cmd)
}

func decodeStringList(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []string
	err := jsoniter.UnmarshalFromString(s, &out)
	return out, err
}
