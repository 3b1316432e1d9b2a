package http

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v4"

	"github.com/jmehdipour/key-broker/internal/model"
	"github.com/jmehdipour/key-broker/internal/repository"
)

func listUsageEventsHandler(sink repository.EventSink) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := 50
		offset := 0
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		var kind model.EventKind
		if raw := strings.TrimSpace(c.QueryParam("kind")); raw != "" {
			tmp := model.EventKind(raw)
			if tmp.Valid() {
				kind = tmp
			}
		}

		rows, err := sink.ListByCredential(
			c.Request().Context(),
			strings.TrimSpace(c.QueryParam("credential_id")),
			strings.TrimSpace(c.QueryParam("config_id")),
			kind,
			limit,
			offset,
		)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(rows),
			"results": rows,
		})
	}
}
