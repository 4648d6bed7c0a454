package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// corsHeaders is the fixed CORS header set attached to every response,
// success and error alike, so browser media players can consume proxied
// playlists, subtitles and segments cross-origin.
var corsHeaders = [][2]string{
	{"Access-Control-Allow-Origin", "*"},
	{"Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS"},
	{"Access-Control-Allow-Headers", "Content-Type, Authorization"},
	{"Access-Control-Max-Age", "3600"},
}

// CORSHeaders returns an Echo middleware that sets the fixed CORS header set
// on every response and answers preflight requests directly with 204.
// Echo's stock CORS middleware sends the method/header lists only on
// preflight, so it cannot provide this contract.
func CORSHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range corsHeaders {
				h.Set(kv[0], kv[1])
			}

			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusNoContent)
			}

			return next(c)
		}
	}
}
