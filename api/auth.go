package api

import (
	"context"
	"fmt"
	"net/http"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"

	"github.com/orbital-hq/orbital/db"
	"github.com/orbital-hq/orbital/model"
	"github.com/orbital-hq/orbital/security"
)

// UserStore reads and writes user accounts.
type UserStore struct {
	db *db.Database
}

func NewUserStore(database *db.Database) *UserStore {
	return &UserStore{db: database}
}

// Authenticate checks the password of an enabled account and returns its
// role.
func (u *UserStore) Authenticate(ctx context.Context, username, password string) (string, error) {
	var hash, role string
	var enabled bool
	err := u.db.QueryRow(ctx, `
		SELECT password_hash, role, enabled FROM user_account WHERE username = $1`,
		username).Scan(&hash, &role, &enabled)
	if err == pgx.ErrNoRows {
		return "", model.Validation("invalid username or password")
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up user %s: %w", username, err)
	}
	if !enabled {
		return "", model.Validation("invalid username or password")
	}
	if !security.VerifyPassword(password, hash) {
		return "", model.Validation("invalid username or password")
	}
	return role, nil
}

// Ensure creates or updates an account with the given password and role.
// Used by the CLI to bootstrap the first admin.
func (u *UserStore) Ensure(ctx context.Context, username, password, role string) error {
	hash, err := security.HashPassword(password)
	if err != nil {
		return err
	}
	err = u.db.Exec(ctx, `
		INSERT INTO user_account (username, password_hash, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (username) DO UPDATE
		SET password_hash = EXCLUDED.password_hash, role = EXCLUDED.role, enabled = true`,
		username, hash, role)
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", username, err)
	}
	return nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

func (s *Server) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed login request")
	}
	if req.Username == "" || req.Password == "" {
		return model.Validation("username and password are required")
	}

	if _, err := s.users.Authenticate(c.Request().Context(), req.Username, req.Password); err != nil {
		return err
	}

	access, err := s.jwt.GenerateToken(req.Username, security.TokenKindAccess, s.cfg.Security.JWTExpiration)
	if err != nil {
		return err
	}
	refresh, err := s.jwt.GenerateToken(req.Username, security.TokenKindRefresh, s.cfg.Security.RefreshTokenExpiration)
	if err != nil {
		return err
	}

	return respond(c, http.StatusOK, tokenResponse{AccessToken: access, RefreshToken: refresh})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed refresh request")
	}

	token, err := s.jwt.ValidateToken(req.RefreshToken, security.TokenKindRefresh)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid refresh token")
	}

	access, err := s.jwt.GenerateToken(token.Subject(), security.TokenKindAccess, s.cfg.Security.JWTExpiration)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, tokenResponse{AccessToken: access})
}

// usernameFromContext pulls the authenticated subject from the JWT
// middleware, if any.
func usernameFromContext(c echo.Context) string {
	token, ok := c.Get("user").(*gojwt.Token)
	if !ok {
		return ""
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}
