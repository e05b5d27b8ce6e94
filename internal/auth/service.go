// Package auth authenticates the station operator and guards the API.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/defliez/temperature-chamber/internal/config"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
)

type Permission string

const (
	PermView    Permission = "view"
	PermOperate Permission = "operate"
)

const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
)

// operatorNamespace derives stable operator IDs from usernames.
var operatorNamespace = uuid.MustParse("6f1f6b1e-3c2a-4d8e-9a57-0c3b7e2d41a9")

type AuthService struct {
	cfg            config.AuthConfig
	jwtHandler     *JWTHandler
	passwordHasher *PasswordHasher
	logger         *zap.Logger
	now            func() time.Time

	mu          sync.Mutex
	failed      int
	lockedUntil time.Time
}

func NewAuthService(cfg config.AuthConfig, logger *zap.Logger) *AuthService {
	if cfg.MaxFailedLoginAttempts <= 0 {
		cfg.MaxFailedLoginAttempts = 5
	}
	if cfg.AccountLockDuration <= 0 {
		cfg.AccountLockDuration = 15 * time.Minute
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = time.Hour
	}

	if !cfg.IsProductionReady() {
		logger.Warn("JWT secret is the development fallback or shorter than 32 characters",
			zap.String("env", cfg.JWTSecretEnv))
	}
	if cfg.PasswordHash == "" {
		logger.Warn("No operator password hash configured, logins are disabled")
	}

	return &AuthService{
		cfg:            cfg,
		jwtHandler:     NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
		passwordHasher: NewPasswordHasher(DefaultHashParams()),
		logger:         logger,
		now:            time.Now,
	}
}

func (a *AuthService) Hasher() *PasswordHasher {
	return a.passwordHasher
}

// Login checks the operator credentials and returns an access token.
func (a *AuthService) Login(username, password, ipAddress string) (string, time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if now.Before(a.lockedUntil) {
		return "", time.Time{}, fmt.Errorf("%w until %s", ErrAccountLocked, a.lockedUntil.Format(time.RFC3339))
	}

	valid := false
	if username == a.cfg.Username && a.cfg.PasswordHash != "" {
		ok, err := a.passwordHasher.VerifyPassword(password, a.cfg.PasswordHash)
		if err != nil {
			a.logger.Error("Configured operator password hash is unusable", zap.Error(err))
		}
		valid = ok
	}

	if !valid {
		a.failed++
		a.logger.Warn("Operator login failed",
			zap.String("username", username),
			zap.String("ip", ipAddress),
			zap.Int("failed_attempts", a.failed))
		if a.failed >= a.cfg.MaxFailedLoginAttempts {
			a.lockedUntil = now.Add(a.cfg.AccountLockDuration)
			a.failed = 0
			a.logger.Warn("Operator account locked", zap.Time("until", a.lockedUntil))
		}
		return "", time.Time{}, ErrInvalidCredentials
	}

	a.failed = 0
	token, expires, err := a.jwtHandler.GenerateAccessToken(OperatorID(username), username, RoleOperator)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate access token: %w", err)
	}

	a.logger.Info("Operator logged in",
		zap.String("username", username),
		zap.String("ip", ipAddress))
	return token, expires, nil
}

// ValidateToken returns the permissions carried by a token.
func (a *AuthService) ValidateToken(token string) (*JWTClaims, []Permission, error) {
	claims, err := a.jwtHandler.ValidateAccessToken(token)
	if err != nil {
		return nil, nil, err
	}
	return claims, roleToPermissions(claims.Role), nil
}

// OperatorID is the stable subject ID for a username.
func OperatorID(username string) uuid.UUID {
	return uuid.NewSHA1(operatorNamespace, []byte(username))
}

func roleToPermissions(role string) []Permission {
	switch role {
	case RoleOperator:
		return []Permission{PermView, PermOperate}
	default:
		return []Permission{PermView}
	}
}
