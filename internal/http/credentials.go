package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/jmehdipour/key-broker/internal/broker"
	"github.com/jmehdipour/key-broker/internal/model"
	"github.com/jmehdipour/key-broker/internal/repository"
)

type credentialView struct {
	ID         string     `json:"id"`
	SecretHash string     `json:"secret_hash"`
	Tier       string     `json:"tier"`
	Priority   int        `json:"priority"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

func viewOf(c model.Credential) credentialView {
	v := credentialView{
		ID:         c.ID,
		SecretHash: c.SecretHash(),
		Tier:       c.Tier.String(),
		Priority:   c.Priority,
		CreatedAt:  c.CreatedAt,
	}
	if c.RevokedAt.Valid {
		t := c.RevokedAt.Time
		v.RevokedAt = &t
	}
	return v
}

func listCredentialsHandler(creds repository.CredentialStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		all, err := creds.List(c.Request().Context())
		if err != nil {
			log.Errorf("list credentials failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		out := make([]credentialView, 0, len(all))
		for _, cr := range all {
			out = append(out, viewOf(cr))
		}
		return c.JSON(http.StatusOK, map[string]any{"count": len(out), "results": out})
	}
}

type addCredentialReq struct {
	ID       string `json:"id"`
	Secret   string `json:"secret"`
	Tier     string `json:"tier"`
	Priority int    `json:"priority"`
}

func addCredentialHandler(b *broker.Broker, creds repository.CredentialStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req addCredentialReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		req.ID = strings.TrimSpace(req.ID)
		req.Secret = strings.TrimSpace(req.Secret)
		if req.ID == "" || req.Secret == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "id and secret required"})
		}
		tier, ok := model.ParseTier(req.Tier)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "tier must be free or paid"})
		}
		if req.Priority == 0 {
			req.Priority = 10
		}

		err := creds.Add(c.Request().Context(), req.ID, req.Secret, tier, req.Priority)
		if errors.Is(err, repository.ErrCredentialExists) {
			return c.JSON(http.StatusConflict, map[string]string{"error": "credential exists"})
		}
		if err != nil {
			log.Errorf("add credential failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		return reloadAnd(c, b, http.StatusCreated, map[string]string{"id": req.ID})
	}
}

type updateCredentialReq struct {
	Secret   *string `json:"secret"`
	Tier     *string `json:"tier"`
	Priority *int    `json:"priority"`
}

func updateCredentialHandler(b *broker.Broker, creds repository.CredentialStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		var req updateCredentialReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		ctx := c.Request().Context()

		var err error
		if req.Secret != nil {
			err = creds.UpdateSecret(ctx, id, strings.TrimSpace(*req.Secret))
		}
		if err == nil && req.Tier != nil {
			tier, ok := model.ParseTier(*req.Tier)
			if !ok {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "tier must be free or paid"})
			}
			err = creds.UpdateTier(ctx, id, tier)
		}
		if err == nil && req.Priority != nil {
			err = creds.UpdatePriority(ctx, id, *req.Priority)
		}

		if errors.Is(err, repository.ErrCredentialNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown credential"})
		}
		if err != nil {
			log.Errorf("update credential failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		return reloadAnd(c, b, http.StatusOK, map[string]string{"id": id})
	}
}

func resetCredentialHandler(b *broker.Broker) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		err := b.ResetCredential(c.Request().Context(), id)
		if errors.Is(err, repository.ErrCredentialNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown credential"})
		}
		if err != nil {
			log.Errorf("reset credential failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "reset failed"})
		}
		return c.JSON(http.StatusOK, map[string]string{"id": id, "status": "reset"})
	}
}

func deleteCredentialHandler(b *broker.Broker, creds repository.CredentialStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		err := creds.Delete(c.Request().Context(), id)
		if errors.Is(err, repository.ErrCredentialNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown credential"})
		}
		if err != nil {
			log.Errorf("delete credential failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		return reloadAnd(c, b, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
	}
}

func poolStateHandler(b *broker.Broker) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, b.Snapshot())
	}
}

// reloadAnd rebuilds the pool after a registry mutation, then responds.
func reloadAnd(c echo.Context, b *broker.Broker, status int, body any) error {
	if err := b.Reload(c.Request().Context()); err != nil {
		log.Errorf("pool reload failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "reload failed"})
	}
	return c.JSON(status, body)
}
