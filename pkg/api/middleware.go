package api

import (
	echo "github.com/labstack/echo/v5"
)

// securityHeaders hardens every operator-facing response. The /agent
// WebSocket upgrade is skipped: agents ignore response headers and
// some proxies choke on extras attached to a 101. Browser feature
// policies (Permissions-Policy and friends) are deliberately absent;
// this surface serves JSON and YAML to operator tooling, not pages.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if c.Request().URL.Path != "/agent" {
				h := c.Response().Header()
				h.Set("X-Content-Type-Options", "nosniff")
				h.Set("X-Frame-Options", "DENY")
				h.Set("Referrer-Policy", "no-referrer")
			}
			return next(c)
		}
	}
}
