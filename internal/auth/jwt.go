package auth

import (
	"errors"
	"fmt"
	"time"

	"llama_gateway/internal/config"

	"github.com/golang-jwt/jwt/v4"
)

// AdminAuthType records how an admin token was obtained
type AdminAuthType string

const (
	// AdminAuthTypePassword tokens come from POST /admin/auth/login
	AdminAuthTypePassword AdminAuthType = "password"

	// AdminAuthTypeToken tokens are minted offline with llamactl admin-token
	AdminAuthTypeToken AdminAuthType = "token"
)

// DefaultAdminTokenTTL is the lifetime of a login token
const DefaultAdminTokenTTL = 12 * time.Hour

const jwtIssuer = "llama_gateway"

var (
	ErrMissingJWTSecret   = errors.New("JWT_SECRET is not configured")
	ErrLoginDisabled      = errors.New("admin login is disabled: ADMIN_PASSWORD_HASH is not configured")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// AdminClaims are the claims carried by admin JWTs
type AdminClaims struct {
	AuthType AdminAuthType `json:"auth_type"`
	Roles    []string      `json:"roles"`
	jwt.RegisteredClaims
}

// GenerateAdminJWT signs an HS256 token for subject with the given roles
func GenerateAdminJWT(subject string, authType AdminAuthType, roles []Role, ttl time.Duration, cfg *config.Config) (string, int64, error) {
	if len(cfg.JWTSecret) == 0 {
		return "", 0, ErrMissingJWTSecret
	}
	if ttl <= 0 {
		ttl = DefaultAdminTokenTTL
	}

	roleNames := make([]string, 0, len(roles))
	for _, r := range roles {
		if !r.IsValid() {
			return "", 0, fmt.Errorf("invalid role %q", r)
		}
		roleNames = append(roleNames, r.String())
	}

	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := AdminClaims{
		AuthType: authType,
		Roles:    roleNames,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    jwtIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(cfg.JWTSecret)
	if err != nil {
		return "", 0, err
	}
	return signedToken, expiresAt.Unix(), nil
}

// GenerateAdminJWTWithPassword exchanges the admin password for an admin-role token
func GenerateAdminJWTWithPassword(password string, cfg *config.Config) (string, int64, error) {
	if cfg.AdminPasswordHash == "" {
		return "", 0, ErrLoginDisabled
	}

	ok, err := VerifyPassword(password, cfg.AdminPasswordHash)
	if err != nil {
		return "", 0, fmt.Errorf("failed to verify password: %w", err)
	}
	if !ok {
		return "", 0, ErrInvalidCredentials
	}

	return GenerateAdminJWT("admin", AdminAuthTypePassword, []Role{RoleAdmin}, DefaultAdminTokenTTL, cfg)
}

// ValidateAdminJWT verifies signature and expiry and returns the claims
func ValidateAdminJWT(tokenString string, cfg *config.Config) (*AdminClaims, error) {
	if len(cfg.JWTSecret) == 0 {
		return nil, ErrMissingJWTSecret
	}

	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return cfg.JWTSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || !claims.VerifyIssuer(jwtIssuer, true) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
