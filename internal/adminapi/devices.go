package adminapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/hideaway-io/hideaway/internal/domain"
	"github.com/hideaway-io/hideaway/internal/mdm"
	"github.com/hideaway-io/hideaway/internal/webserver"
	"github.com/spf13/cast"
)

type deviceUpdatePayload struct {
	Name   *string `json:"name" validate:"omitempty,max=200"`
	Tags   *string `json:"tags" validate:"omitempty,max=500"`
	Remark *string `json:"remark" validate:"omitempty,max=500"`
}

// registerDeviceRoutes registers device inventory routes
func registerDeviceRoutes() {
	webserver.ApiGET("/mdm/devices", listDevices)
	webserver.ApiGET("/mdm/devices/:id", getDevice)
	webserver.ApiPUT("/mdm/devices/:id", updateDevice)
	webserver.ApiGET("/mdm/devices/:id/events", listDeviceEvents)
	webserver.ApiGET("/mdm/devices/:id/commands", listDeviceCommands)
	webserver.ApiPOST("/mdm/devices/:id/revoke", revokeDevice)
}

func listDevices(c echo.Context) error {
	page, pageSize := parsePagination(c)

	db := GetDB(c).Model(&domain.Device{})
	if q := strings.TrimSpace(c.QueryParam("q")); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		db = db.Where("LOWER(udid) LIKE ? OR LOWER(name) LIKE ? OR LOWER(serial_number) LIKE ?", like, like, like)
	}
	if status := strings.TrimSpace(c.QueryParam("status")); status != "" {
		db = db.Where("enroll_status = ?", status)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query devices", err.Error())
	}

	var devices []domain.Device
	if err := db.Order("created_at DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&devices).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query devices", err.Error())
	}

	return paged(c, devices, total, page, pageSize)
}

func getDevice(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}

	dev, err := GetRegistry(c).Get(c.Request().Context(), id)
	if errors.Is(err, mdm.ErrUnknownDevice) {
		return fail(c, http.StatusNotFound, "DEVICE_NOT_FOUND", "Device not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query device", err.Error())
	}

	return ok(c, dev)
}

func updateDevice(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}

	var payload deviceUpdatePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse device parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	var dev domain.Device
	if err := GetDB(c).Where("id = ?", id).First(&dev).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "DEVICE_NOT_FOUND", "Device not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query device", err.Error())
	}

	if payload.Name != nil {
		dev.Name = strings.TrimSpace(*payload.Name)
	}
	if payload.Tags != nil {
		dev.Tags = *payload.Tags
	}
	if payload.Remark != nil {
		dev.Remark = *payload.Remark
	}
	dev.UpdatedAt = time.Now()

	if err := GetDB(c).Save(&dev).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to update device", err.Error())
	}

	return ok(c, dev)
}

func listDeviceEvents(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}

	limit := cast.ToInt(c.QueryParam("limit"))
	if limit < 1 || limit > 500 {
		limit = 100
	}

	events, err := GetRegistry(c).Events(c.Request().Context(), id, limit)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query device events", err.Error())
	}
	return ok(c, events)
}

func listDeviceCommands(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}

	limit := cast.ToInt(c.QueryParam("limit"))
	cmds, err := GetOrchestrator(c).CommandsFor(c.Request().Context(), id, limit)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query commands", err.Error())
	}
	return ok(c, cmds)
}

// revokeDevice withdraws trust. Safe to retry: revoking an already
// revoked device succeeds without side effects.
func revokeDevice(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}

	if err := GetIdentity(c).Revoke(c.Request().Context(), id); err != nil {
		return fail(c, http.StatusInternalServerError, "REVOKE_FAILED", "Failed to revoke device", err.Error())
	}
	return ok(c, map[string]interface{}{"id": id, "status": domain.DeviceRevoked})
}
