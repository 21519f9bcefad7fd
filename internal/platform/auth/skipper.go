package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// publicRoutes lists method+path pairs reachable without credentials.
// Paths are echo route patterns.
var publicRoutes = map[string]bool{
	http.MethodGet + " /health":                   true,
	http.MethodGet + " /metrics":                  true,
	http.MethodGet + " /api/v1/availability":      true,
	http.MethodGet + " /api/v1/appointment-types": true,
	http.MethodGet + " /api/v1/settings/schedule": true,
}

// AuthSkipper returns true for requests whose route should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return IsPublicRoute(c.Request().Method, c.Path())
}

// IsPublicRoute reports whether method and route pattern are public.
func IsPublicRoute(method, path string) bool {
	return publicRoutes[method+" "+path]
}
