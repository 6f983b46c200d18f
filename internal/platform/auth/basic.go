package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
)

// PushBasicAuth gates the partner push endpoint with HTTP Basic Auth. Partner
// labs authenticate with the service account this instance handed them; the
// payload's lab_code is validated separately by the consumer.
func PushBasicAuth(username, password string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user, pass, ok := c.Request().BasicAuth()
			if !ok {
				c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Basic realm="push"`)
				return echo.NewHTTPError(http.StatusUnauthorized, "basic auth required")
			}
			userOK := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
			passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1
			if !userOK || !passOK {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
			}
			return next(c)
		}
	}
}
