package service

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wenwu/saas-platform/entitlement-service/internal/config"
)

const (
	TokenTypeBearer = "bearer"
	tokenUseAccess  = "access"
	tokenUseRefresh = "refresh"
)

// AccessClaims is the payload of access tokens issued to paired devices.
// Tokens minted by the account service carry only uid/sub and are accepted too.
type AccessClaims struct {
	UserID   string `json:"uid,omitempty"`
	DeviceID string `json:"did,omitempty"`
	Use      string `json:"typ,omitempty"`
	jwt.RegisteredClaims
}

// Principal returns the user id, preferring uid over sub
func (c *AccessClaims) Principal() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// TokenPair is what a claim or refresh hands back to the device
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int
}

// TokenIssuer signs and verifies HS256 access tokens and mints refresh tokens
type TokenIssuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewTokenIssuer(cfg config.JWTConfig) *TokenIssuer {
	return &TokenIssuer{
		secret:     []byte(cfg.SecretKey),
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
	}
}

func (t *TokenIssuer) RefreshTTL() time.Duration { return t.refreshTTL }

// IssueAccessToken signs an access token for userID on deviceID
func (t *TokenIssuer) IssueAccessToken(userID, deviceID string, now time.Time) (string, error) {
	claims := AccessClaims{
		UserID:   userID,
		DeviceID: deviceID,
		Use:      tokenUseAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.accessTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// ParseAccessToken verifies signature, algorithm and expiry
func (t *TokenIssuer) ParseAccessToken(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if claims.Use == tokenUseRefresh {
		return nil, errors.New("refresh token used as access token")
	}
	if claims.Principal() == "" {
		return nil, errors.New("token has no user id")
	}
	return claims, nil
}

// Pair issues an access token plus a fresh opaque refresh token. Only the
// refresh token hash is ever stored.
func (t *TokenIssuer) Pair(userID, deviceID string, now time.Time) (*TokenPair, string, error) {
	access, err := t.IssueAccessToken(userID, deviceID, now)
	if err != nil {
		return nil, "", err
	}
	refresh, hash, err := NewRefreshToken()
	if err != nil {
		return nil, "", err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int(t.accessTTL.Seconds()),
	}, hash, nil
}

// NewRefreshToken returns a random token and its storage hash
func NewRefreshToken() (string, string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate refresh token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	return token, HashRefreshToken(token), nil
}

func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
