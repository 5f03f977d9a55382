package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// AuthMiddleware requires "Authorization: Bearer <API key>" when the app has
// an API key configured.
func AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		app := AppFrom(c)
		if app == nil || app.APIKey == "" {
			return next(c)
		}

		authHeader := c.Request().Header.Get("Authorization")
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(app.APIKey)) != 1 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		}
		return next(c)
	}
}
