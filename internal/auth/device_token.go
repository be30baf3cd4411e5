// Package auth mints the device credentials presented to the remote system of record.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL     = 30 * time.Minute
	defaultIssuer       = "stockroom-agent"
	defaultAudience     = "stockroom-api"
	refreshBeforeExpiry = time.Minute
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingDeviceID      = errors.New("device identifier must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// DeviceTokenConfig configures the device JWT issuer.
type DeviceTokenConfig struct {
	SigningSecret []byte
	DeviceID      string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// DeviceTokenIssuer issues and caches the bearer token identifying this agent.
type DeviceTokenIssuer struct {
	config DeviceTokenConfig
	clock  func() time.Time

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

// NewDeviceTokenIssuer validates the configuration and applies defaults.
func NewDeviceTokenIssuer(cfg DeviceTokenConfig) (*DeviceTokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	deviceID := strings.TrimSpace(cfg.DeviceID)
	if deviceID == "" {
		return nil, errMissingDeviceID
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := cfg.Audience
	if audience == "" {
		audience = defaultAudience
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &DeviceTokenIssuer{
		config: DeviceTokenConfig{
			SigningSecret: cfg.SigningSecret,
			DeviceID:      deviceID,
			Issuer:        issuer,
			Audience:      audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}, nil
}

// Token returns a signed JWT, reusing the cached one until it nears expiry.
func (i *DeviceTokenIssuer) Token(_ context.Context) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.clock().UTC()
	if i.cached != "" && now.Add(refreshBeforeExpiry).Before(i.expiresAt) {
		return i.cached, nil
	}

	expiresAt := now.Add(i.config.TokenTTL).UTC()
	registered := jwt.RegisteredClaims{
		Subject:   i.config.DeviceID,
		Issuer:    i.config.Issuer,
		Audience:  []string{i.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", err
	}
	i.cached = signed
	i.expiresAt = expiresAt
	return signed, nil
}

// ValidateToken ensures the JWT is well formed and returns the device identifier.
func (i *DeviceTokenIssuer) ValidateToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSubjectClaim
	}
	return claims.Subject, nil
}
