// Package adminapi implements the operator-facing REST handlers. Routes
// register themselves on the webserver's authenticated /api group.
package adminapi

import (
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"gorm.io/gorm"

	"github.com/hideaway-io/hideaway/internal/identity"
	"github.com/hideaway-io/hideaway/internal/orchestrator"
	"github.com/hideaway-io/hideaway/internal/registry"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

// InitRouter registers every admin route. Call after webserver.Init.
func InitRouter() {
	registerAuthRoutes()
	registerDeviceRoutes()
	registerIntentRoutes()
	registerTemplateRoutes()
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"code": "OK",
		"data": data,
	})
}

func fail(c echo.Context, status int, code, message string, detail interface{}) error {
	return c.JSON(status, map[string]interface{}{
		"code":    code,
		"message": message,
		"detail":  detail,
	})
}

func paged(c echo.Context, items interface{}, total int64, page, pageSize int) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"code": "OK",
		"data": map[string]interface{}{
			"items":     items,
			"total":     total,
			"page":      page,
			"page_size": pageSize,
		},
	})
}

func parsePagination(c echo.Context) (page, pageSize int) {
	page = cast.ToInt(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	pageSize = cast.ToInt(c.QueryParam("page_size"))
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

func parseIDParam(c echo.Context, name string) (int64, error) {
	return strconv.ParseInt(c.Param(name), 10, 64)
}

func handleValidationError(c echo.Context, err error) error {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		first := verrs[0]
		return fail(c, http.StatusBadRequest, "VALIDATION_ERROR",
			"Invalid field "+first.Field(), first.Tag())
	}
	return fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request", nil)
}

// GetDB returns the request-scoped database handle.
func GetDB(c echo.Context) *gorm.DB {
	return c.Get("db").(*gorm.DB)
}

// GetRegistry returns the device registry service.
func GetRegistry(c echo.Context) *registry.Service {
	return c.Get("registry").(*registry.Service)
}

// GetOrchestrator returns the command orchestrator service.
func GetOrchestrator(c echo.Context) *orchestrator.Service {
	return c.Get("orchestrator").(*orchestrator.Service)
}

// GetIdentity returns the certificate and identity store.
func GetIdentity(c echo.Context) *identity.Store {
	return c.Get("identity").(*identity.Store)
}
