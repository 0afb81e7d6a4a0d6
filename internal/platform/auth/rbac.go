package auth

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// WhoAmI reports the authenticated caller and the capabilities its role
// holds, so clients can hide actions they are not allowed to take.
func WhoAmI(c echo.Context) error {
	caller, ok := CallerFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":           caller.ID,
		"role":         caller.Role,
		"email":        caller.Email,
		"capabilities": Capabilities(caller.Role),
	})
}

// RequireCapability returns middleware that consults the permission table
// before the handler runs.
func RequireCapability(capability Capability) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			caller, ok := CallerFromContext(c.Request().Context())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			if !Can(caller.Role, capability) {
				return echo.NewHTTPError(http.StatusForbidden,
					fmt.Sprintf("role %s lacks capability %s", caller.Role, capability))
			}
			return next(c)
		}
	}
}
