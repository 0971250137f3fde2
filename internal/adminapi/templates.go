package adminapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/hideaway-io/hideaway/internal/domain"
	"github.com/hideaway-io/hideaway/internal/webserver"
	"github.com/hideaway-io/hideaway/pkg/common"
)

type templatePayload struct {
	Name           string   `json:"name" validate:"required,min=1,max=200"`
	BlockedApps    []string `json:"blocked_apps" validate:"omitempty,dive,min=1,max=255"`
	BlockedDomains []string `json:"blocked_domains" validate:"omitempty,dive,min=1,max=255"`
	Remark         string   `json:"remark" validate:"omitempty,max=500"`
}

type templateUpdatePayload struct {
	Name           *string  `json:"name" validate:"omitempty,min=1,max=200"`
	BlockedApps    []string `json:"blocked_apps" validate:"omitempty,dive,min=1,max=255"`
	BlockedDomains []string `json:"blocked_domains" validate:"omitempty,dive,min=1,max=255"`
	Remark         *string  `json:"remark" validate:"omitempty,max=500"`
}

// registerTemplateRoutes registers focus template CRUD routes
func registerTemplateRoutes() {
	webserver.ApiGET("/mdm/templates", listTemplates)
	webserver.ApiGET("/mdm/templates/:id", getTemplate)
	webserver.ApiPOST("/mdm/templates", createTemplate)
	webserver.ApiPUT("/mdm/templates/:id", updateTemplate)
	webserver.ApiDELETE("/mdm/templates/:id", deleteTemplate)
}

func listTemplates(c echo.Context) error {
	page, pageSize := parsePagination(c)

	db := GetDB(c).Model(&domain.FocusTemplate{})
	if q := strings.TrimSpace(c.QueryParam("q")); q != "" {
		db = db.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(q)+"%")
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query templates", err.Error())
	}

	var templates []domain.FocusTemplate
	if err := db.Order("name ASC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&templates).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query templates", err.Error())
	}

	return paged(c, templates, total, page, pageSize)
}

func getTemplate(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid template ID", nil)
	}

	var tpl domain.FocusTemplate
	if err := GetDB(c).Where("id = ?", id).First(&tpl).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "TEMPLATE_NOT_FOUND", "Focus template not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query template", err.Error())
	}

	return ok(c, tpl)
}

func createTemplate(c echo.Context) error {
	var payload templatePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse template parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	payload.Name = strings.TrimSpace(payload.Name)

	var exists int64
	GetDB(c).Model(&domain.FocusTemplate{}).Where("name = ?", payload.Name).Count(&exists)
	if exists > 0 {
		return fail(c, http.StatusConflict, "TEMPLATE_EXISTS", "Template name already exists", nil)
	}

	apps, _ := jsoniter.MarshalToString(payload.BlockedApps)
	domains, _ := jsoniter.MarshalToString(payload.BlockedDomains)
	tpl := domain.FocusTemplate{
		ID:             common.UUIDint64(),
		Name:           payload.Name,
		BlockedApps:    apps,
		BlockedDomains: domains,
		Remark:         payload.Remark,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	if err := GetDB(c).Create(&tpl).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to create template", err.Error())
	}

	return ok(c, tpl)
}

func updateTemplate(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid template ID", nil)
	}

	var payload templateUpdatePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse template parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	var tpl domain.FocusTemplate
	if err := GetDB(c).Where("id = ?", id).First(&tpl).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "TEMPLATE_NOT_FOUND", "Focus template not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query template", err.Error())
	}

	if payload.Name != nil {
		name := strings.TrimSpace(*payload.Name)
		if name != tpl.Name {
			var exists int64
			GetDB(c).Model(&domain.FocusTemplate{}).Where("name = ? AND id != ?", name, id).Count(&exists)
			if exists > 0 {
				return fail(c, http.StatusConflict, "TEMPLATE_EXISTS", "Template name already exists", nil)
			}
			tpl.Name = name
		}
	}
	if payload.BlockedApps != nil {
		apps, _ := jsoniter.MarshalToString(payload.BlockedApps)
		tpl.BlockedApps = apps
	}
	if payload.BlockedDomains != nil {
		domains, _ := jsoniter.MarshalToString(payload.BlockedDomains)
		tpl.BlockedDomains = domains
	}
	if payload.Remark != nil {
		tpl.Remark = *payload.Remark
	}
	tpl.UpdatedAt = time.Now()

	if err := GetDB(c).Save(&tpl).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to update template", err.Error())
	}

	return ok(c, tpl)
}

func deleteTemplate(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid template ID", nil)
	}

	var tpl domain.FocusTemplate
	if err := GetDB(c).Where("id = ?", id).First(&tpl).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "TEMPLATE_NOT_FOUND", "Focus template not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query template", err.Error())
	}

	if err := GetDB(c).Where("id = ?", id).Delete(&domain.FocusTemplate{}).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to delete template", err.Error())
	}

	return ok(c, map[string]interface{}{"id": id})
}
