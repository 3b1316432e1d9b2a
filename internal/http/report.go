package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/jmehdipour/key-broker/internal/broker"
	"github.com/jmehdipour/key-broker/internal/repository"
)

type reportReq struct {
	LeaseID      string `json:"lease_id"`
	CredentialID string `json:"credential_id"`
	ConfigID     string `json:"config_id"`
	TargetID     string `json:"target_id"`
	Outcome      string `json:"outcome"`  // success | failure | fatal
	Severity     string `json:"severity"` // soft | hard (failure only)
	ActualTokens int64  `json:"actual_tokens"`
}

// reportHandler settles a lease handed out by the acquire endpoint.
func reportHandler(b *broker.Broker, creds repository.CredentialStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req reportReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		req.CredentialID = strings.TrimSpace(req.CredentialID)
		req.TargetID = strings.TrimSpace(req.TargetID)
		if req.CredentialID == "" || req.TargetID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "credential_id and target_id required"})
		}

		cred, err := creds.Get(c.Request().Context(), req.CredentialID)
		if err != nil {
			if errors.Is(err, repository.ErrCredentialNotFound) {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown credential"})
			}
			log.Errorf("credential lookup failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		lease := &broker.Lease{
			ID:         req.LeaseID,
			Credential: *cred,
			ConfigID:   req.ConfigID,
			TargetID:   req.TargetID,
		}

		switch strings.ToLower(strings.TrimSpace(req.Outcome)) {
		case "success":
			err = b.ReportSuccess(c.Request().Context(), lease, req.ActualTokens)
		case "failure":
			sev := broker.Severity(strings.ToLower(strings.TrimSpace(req.Severity)))
			err = b.ReportFailure(c.Request().Context(), lease, sev)
			if errors.Is(err, broker.ErrInvalidSeverity) {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "severity must be soft or hard"})
			}
		case "fatal":
			err = b.ReportFatal(c.Request().Context(), lease)
		default:
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "outcome must be success, failure or fatal"})
		}
		if err != nil {
			log.Errorf("report failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "report failed"})
		}
		return c.JSON(http.StatusOK, map[string]bool{"recorded": true})
	}
}
