package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ExoticCitron/Hianime-proxy-revamp/internal/client"
	"github.com/ExoticCitron/Hianime-proxy-revamp/internal/config"
	"github.com/ExoticCitron/Hianime-proxy-revamp/internal/model"
	"github.com/ExoticCitron/Hianime-proxy-revamp/internal/service"
)

// ProxyHandler serves the /fetch endpoint: validate the target URL, fetch it
// upstream, rewrite, assemble the response.
type ProxyHandler struct {
	client   *client.UpstreamClient
	rewriter *service.Rewriter
	timeout  time.Duration
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(c *client.UpstreamClient, rw *service.Rewriter, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		client:   c,
		rewriter: rw,
		timeout:  time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		logger:   logger.With("component", "proxy_handler"),
	}
}

// Handle runs the fetch-and-rewrite pipeline for one request. Every failure
// is terminal and reported to the caller; there are no retries.
func (h *ProxyHandler) Handle(c echo.Context) error {
	targetURL := c.QueryParam("url")
	if targetURL == "" {
		return c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Error: "No URL provided",
		})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	up, err := h.client.Fetch(ctx, targetURL)
	if err != nil {
		return h.mapError(c, targetURL, err)
	}

	if up.StatusCode == http.StatusForbidden {
		// Echo back the exact header table that was sent; the caller can see
		// what the origin rejected.
		return c.JSON(http.StatusForbidden, model.ErrorResponse{
			Message: "Upstream server rejected the request",
			Error:   "403 Forbidden",
			Headers: client.HeaderTable(),
		})
	}

	return h.write(c, h.rewriter.Rewrite(up, targetURL))
}

// write assembles the terminal response. An empty ContentType means the
// response carries no Content-Type header at all: the header key is set to
// nil so net/http does not sniff one in.
func (h *ProxyHandler) write(c echo.Context, pr *model.ProxyResponse) error {
	if pr.ContentType == "" {
		c.Response().Header()["Content-Type"] = nil
		c.Response().WriteHeader(pr.StatusCode)
		_, err := c.Response().Write(pr.Body)
		return err
	}
	return c.Blob(pr.StatusCode, pr.ContentType, pr.Body)
}

// mapError converts a fetch failure into its JSON error response. The
// taxonomy is closed: timeouts map to 504, network failures to 502, and
// anything else to 500.
func (h *ProxyHandler) mapError(c echo.Context, targetURL string, err error) error {
	var ue *client.UpstreamError
	if errors.As(err, &ue) {
		h.logger.Error("upstream fetch failed",
			"kind", ue.Kind.String(),
			"url", targetURL,
			"err", err,
		)

		switch ue.Kind {
		case client.KindTimeout:
			return c.JSON(http.StatusGatewayTimeout, model.ErrorResponse{
				Error: "Request timed out",
				URL:   targetURL,
			})
		case client.KindNetwork:
			return c.JSON(http.StatusBadGateway, model.ErrorResponse{
				Error: "Failed to fetch resource",
				URL:   targetURL,
			})
		}
	} else {
		h.logger.Error("proxy error",
			"url", targetURL,
			"err", err,
		)
	}

	return c.JSON(http.StatusInternalServerError, model.ErrorResponse{
		Error: "Internal server error",
	})
}
