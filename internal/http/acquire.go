package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/jmehdipour/key-broker/internal/broker"
)

type acquireReq struct {
	ConfigID        string `json:"config_id"`
	EstimatedTokens int64  `json:"estimated_tokens"`
}

type acquireResp struct {
	Outcome     string  `json:"outcome"`
	WaitSeconds float64 `json:"wait_seconds"`
	TargetID    string  `json:"target_id,omitempty"`

	// set only when outcome == acquired
	LeaseID      string `json:"lease_id,omitempty"`
	CredentialID string `json:"credential_id,omitempty"`
	Secret       string `json:"secret,omitempty"`
}

// acquireHandler hands out a credential or a wait hint. The secret is
// returned to the caller here and nowhere else.
func acquireHandler(b *broker.Broker) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req acquireReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		req.ConfigID = strings.TrimSpace(req.ConfigID)
		if req.ConfigID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "config_id required"})
		}

		res, err := b.Acquire(c.Request().Context(), req.ConfigID, req.EstimatedTokens)
		if err != nil {
			if errors.Is(err, broker.ErrUnknownConfig) || errors.Is(err, broker.ErrInvalidEstimate) {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
			}
			log.Errorf("acquire failed: %v", err)
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "store unavailable"})
		}

		resp := acquireResp{
			Outcome:     res.Outcome.String(),
			WaitSeconds: res.WaitSeconds(),
			TargetID:    res.TargetID,
		}
		if res.Lease != nil {
			resp.LeaseID = res.Lease.ID
			resp.CredentialID = res.Lease.Credential.ID
			resp.Secret = res.Lease.Credential.Secret
		}
		return c.JSON(http.StatusOK, resp)
	}
}
