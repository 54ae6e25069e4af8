package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/entitlement-service/internal/events"
	"github.com/wenwu/saas-platform/entitlement-service/internal/metrics"
	"github.com/wenwu/saas-platform/entitlement-service/internal/models"
	"github.com/wenwu/saas-platform/entitlement-service/internal/repository"
)

const (
	// 去掉了容易混淆的 I L O 0 1
	claimCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	claimCodeLength   = 8
	claimCodeAttempts = 5
)

// ClaimDeviceInput is what a desktop client submits to pair itself
type ClaimDeviceInput struct {
	ClaimCode  string
	DeviceID   string
	DeviceName *string
	Platform   *string
}

// DeviceService pairs desktop clients with accounts and manages their sessions
type DeviceService struct {
	devices   DeviceStore
	tokens    *TokenIssuer
	codeTTL   time.Duration
	publisher events.Publisher
	now       Clock
}

func NewDeviceService(devices DeviceStore, tokens *TokenIssuer, codeTTL time.Duration, publisher events.Publisher) *DeviceService {
	return &DeviceService{
		devices:   devices,
		tokens:    tokens,
		codeTTL:   codeTTL,
		publisher: publisher,
		now:       time.Now,
	}
}

// CreateClaimCode issues a fresh code for userID. Any code the user still had
// live is invalidated in the same step.
func (s *DeviceService) CreateClaimCode(ctx context.Context, userID string) (*models.DeviceClaimCode, error) {
	now := s.now()

	for attempt := 1; attempt <= claimCodeAttempts; attempt++ {
		code, err := generateClaimCode()
		if err != nil {
			return nil, err
		}

		claim := &models.DeviceClaimCode{
			ID:        uuid.New().String(),
			ClaimCode: code,
			UserID:    userID,
			ExpiresAt: now.Add(s.codeTTL),
		}
		err = s.devices.ReplaceClaimCode(ctx, claim, now)
		if errors.Is(err, repository.ErrConflict) {
			log.Printf("[DeviceService] Claim code collision on attempt %d, retrying", attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store claim code: %w", err)
		}

		log.Printf("[DeviceService] Issued claim code for user %s (expires %s)", userID, claim.ExpiresAt.Format(time.RFC3339))
		return claim, nil
	}

	return nil, fmt.Errorf("could not allocate a unique claim code after %d attempts", claimCodeAttempts)
}

// ClaimDevice redeems a claim code and opens a device session. Exactly one of
// any number of concurrent claims on the same code succeeds.
func (s *DeviceService) ClaimDevice(ctx context.Context, in ClaimDeviceInput) (*TokenPair, error) {
	code := NormalizeClaimCode(in.ClaimCode)
	deviceID := strings.TrimSpace(in.DeviceID)
	if code == "" {
		return nil, Validation("claim_code is required")
	}
	if deviceID == "" {
		return nil, Validation("device_id is required")
	}

	now := s.now()
	session := &models.DeviceSession{
		ID:         uuid.New().String(),
		DeviceID:   deviceID,
		DeviceName: in.DeviceName,
		Platform:   in.Platform,
		ExpiresAt:  now.Add(s.tokens.RefreshTTL()),
	}

	// the session is stored with the claim; the access token is signed after, once the owner is known
	refresh, hash, err := NewRefreshToken()
	if err != nil {
		return nil, err
	}
	session.RefreshTokenHash = hash

	claimed, err := s.devices.Claim(ctx, code, deviceID, session, now)
	switch {
	case errors.Is(err, repository.ErrExpired):
		metrics.RecordDeviceClaim("expired")
		return nil, Expired("claim code has expired")
	case errors.Is(err, repository.ErrNotFound):
		metrics.RecordDeviceClaim("not_found")
		return nil, NotFound("claim code not found or already used")
	case err != nil:
		return nil, fmt.Errorf("claim device: %w", err)
	}

	access, err := s.tokens.IssueAccessToken(claimed.UserID, deviceID, now)
	if err != nil {
		return nil, err
	}

	log.Printf("[DeviceService] Device %s claimed by user %s", deviceID, claimed.UserID)
	metrics.RecordDeviceClaim("success")
	event := events.NewEvent(events.DeviceClaimed, claimed.UserID, map[string]interface{}{
		"device_id":   deviceID,
		"device_name": in.DeviceName,
		"platform":    in.Platform,
		"session_id":  session.ID,
	})
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Printf("[DeviceService] Failed to publish claim event for %s: %v", deviceID, err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int(s.tokens.accessTTL.Seconds()),
	}, nil
}

// RefreshToken rotates a device session's refresh token. Each refresh token
// can be redeemed once.
func (s *DeviceService) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, Validation("refresh_token is required")
	}

	oldHash := HashRefreshToken(refreshToken)
	session, err := s.devices.GetSessionByTokenHash(ctx, oldHash)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NotFound("refresh token not recognised")
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	now := s.now()
	if session.RevokedAt != nil {
		return nil, Expired("session has been signed out")
	}
	if !session.IsValid(now) {
		return nil, Expired("refresh token has expired")
	}

	pair, newHash, err := s.tokens.Pair(session.UserID, session.DeviceID, now)
	if err != nil {
		return nil, err
	}

	_, err = s.devices.RotateSession(ctx, session.ID, oldHash, newHash, now.Add(s.tokens.RefreshTTL()), now)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NotFound("refresh token already used")
	}
	if err != nil {
		return nil, fmt.Errorf("rotate session: %w", err)
	}
	return pair, nil
}

// Logout revokes the caller's sessions for deviceID. Web tokens carry no
// device id, in which case every device session of the user is revoked.
func (s *DeviceService) Logout(ctx context.Context, userID, deviceID string) (int64, error) {
	n, err := s.devices.RevokeSessions(ctx, userID, deviceID, s.now())
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	log.Printf("[DeviceService] User %s logged out (device=%q revoked=%d)", userID, deviceID, n)
	return n, nil
}

// InvalidateExpiredCodes retires lapsed claim codes
func (s *DeviceService) InvalidateExpiredCodes(ctx context.Context) (int64, error) {
	n, err := s.devices.InvalidateExpiredCodes(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("invalidate claim codes: %w", err)
	}
	return n, nil
}

// NormalizeClaimCode trims and upper-cases user input
func NormalizeClaimCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func generateClaimCode() (string, error) {
	max := big.NewInt(int64(len(claimCodeAlphabet)))
	buf := make([]byte, claimCodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate claim code: %w", err)
		}
		buf[i] = claimCodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
