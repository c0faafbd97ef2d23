package http

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/leaseq/leaseq/internal/queue"
)

type publishReq struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

func publishHandler(engine *queue.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req publishReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		// Normalize
		req.Name = strings.TrimSpace(req.Name)

		// Basic validation
		if req.Name == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "empty name"})
		}
		if utf8.RuneCountInString(req.Name) > 200 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "name too long"})
		}
		if len(req.Payload) == 0 {
			req.Payload = json.RawMessage(`{}`)
		}
		if !json.Valid(req.Payload) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "payload is not valid JSON"})
		}

		m, err := engine.Publish(c.Request().Context(), req.Name, req.Payload)
		if err != nil {
			log.Errorf("publish failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusAccepted, map[string]any{
			"published":    true,
			"id":           m.ID,
			"name":         m.Name,
			"published_at": m.PublishedAt,
		})
	}
}
