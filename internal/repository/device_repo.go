package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/entitlement-service/internal/models"
)

// DeviceRepository stores claim codes and the device sessions they create
type DeviceRepository struct {
	pool *pgxpool.Pool
}

func NewDeviceRepository(pool *pgxpool.Pool) *DeviceRepository {
	return &DeviceRepository{pool: pool}
}

const claimCodeColumns = `id, claim_code, user_id, expires_at, consumed_at, invalidated_at, device_id, created_at`

const sessionColumns = `id, user_id, device_id, device_name, platform, refresh_token_hash,
	expires_at, revoked_at, created_at, last_used_at`

// ReplaceClaimCode invalidates the user's live codes and inserts code in one
// transaction. Expired rows still holding the same code are retired first so
// the live-code unique index only ever sees real collisions, which come back
// as ErrConflict for the caller to retry with a fresh code.
func (r *DeviceRepository) ReplaceClaimCode(ctx context.Context, code *models.DeviceClaimCode, now time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "claim:"+code.UserID); err != nil {
		return fmt.Errorf("lock user claim codes: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE entitlement.device_claim_codes
		SET invalidated_at = $2
		WHERE user_id = $1 AND consumed_at IS NULL AND invalidated_at IS NULL
	`, code.UserID, now)
	if err != nil {
		return fmt.Errorf("invalidate previous codes: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE entitlement.device_claim_codes
		SET invalidated_at = $2
		WHERE claim_code = $1 AND consumed_at IS NULL AND invalidated_at IS NULL AND expires_at <= $2
	`, code.ClaimCode, now)
	if err != nil {
		return fmt.Errorf("retire expired code: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO entitlement.device_claim_codes (id, claim_code, user_id, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, code.ID, code.ClaimCode, code.UserID, code.ExpiresAt).Scan(&code.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert claim code: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit claim code: %w", err)
	}
	return nil
}

// Claim consumes a live code and creates the device session in one
// transaction. The conditional UPDATE is the single point of truth: of any
// number of concurrent claims exactly one sees a returned row. session.UserID
// is filled from the code owner before insert.
func (r *DeviceRepository) Claim(ctx context.Context, claimCode, deviceID string, session *models.DeviceSession, now time.Time) (*models.DeviceClaimCode, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := fmt.Sprintf(`
		UPDATE entitlement.device_claim_codes
		SET consumed_at = $2, device_id = $3
		WHERE claim_code = $1 AND consumed_at IS NULL AND invalidated_at IS NULL AND expires_at > $2
		RETURNING %s
	`, claimCodeColumns)
	code, err := scanClaimCode(tx.QueryRow(ctx, query, claimCode, now, deviceID))
	if errors.Is(err, ErrNotFound) {
		return nil, r.classifyUnclaimable(ctx, tx, claimCode, now)
	}
	if err != nil {
		return nil, err
	}

	session.UserID = code.UserID
	if err := insertSession(ctx, tx, session); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return code, nil
}

// classifyUnclaimable reports ErrExpired when the newest row for the code was
// never consumed and has lapsed, ErrNotFound otherwise.
func (r *DeviceRepository) classifyUnclaimable(ctx context.Context, q querier, claimCode string, now time.Time) error {
	query := fmt.Sprintf(`
		SELECT %s FROM entitlement.device_claim_codes
		WHERE claim_code = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, claimCodeColumns)
	latest, err := scanClaimCode(q.QueryRow(ctx, query, claimCode))
	if err != nil {
		return err
	}
	if latest.ConsumedAt == nil && !latest.ExpiresAt.After(now) {
		return ErrExpired
	}
	return ErrNotFound
}

// InvalidateExpiredCodes retires lapsed codes so they stop occupying the
// live-code index
func (r *DeviceRepository) InvalidateExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE entitlement.device_claim_codes
		SET invalidated_at = $1
		WHERE consumed_at IS NULL AND invalidated_at IS NULL AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("invalidate expired codes: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *DeviceRepository) GetSessionByTokenHash(ctx context.Context, hash string) (*models.DeviceSession, error) {
	query := fmt.Sprintf(`SELECT %s FROM entitlement.device_sessions WHERE refresh_token_hash = $1`, sessionColumns)
	return scanSession(r.pool.QueryRow(ctx, query, hash))
}

// RotateSession swaps the refresh token hash. The old hash is part of the
// guard so a token can be redeemed only once; a losing concurrent refresh
// gets ErrNotFound.
func (r *DeviceRepository) RotateSession(ctx context.Context, sessionID, oldHash, newHash string, expiresAt, now time.Time) (*models.DeviceSession, error) {
	query := fmt.Sprintf(`
		UPDATE entitlement.device_sessions
		SET refresh_token_hash = $3, expires_at = $4, last_used_at = $5
		WHERE id = $1 AND refresh_token_hash = $2 AND revoked_at IS NULL AND expires_at > $5
		RETURNING %s
	`, sessionColumns)
	return scanSession(r.pool.QueryRow(ctx, query, sessionID, oldHash, newHash, expiresAt, now))
}

// RevokeSessions revokes the user's sessions for deviceID, or all of them
// when deviceID is empty
func (r *DeviceRepository) RevokeSessions(ctx context.Context, userID, deviceID string, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE entitlement.device_sessions
		SET revoked_at = $3
		WHERE user_id = $1 AND ($2 = '' OR device_id = $2) AND revoked_at IS NULL
	`, userID, deviceID, now)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func insertSession(ctx context.Context, q querier, s *models.DeviceSession) error {
	err := q.QueryRow(ctx, `
		INSERT INTO entitlement.device_sessions (
			id, user_id, device_id, device_name, platform, refresh_token_hash, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, s.ID, s.UserID, s.DeviceID, s.DeviceName, s.Platform, s.RefreshTokenHash, s.ExpiresAt).Scan(&s.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert device session: %w", err)
	}
	return nil
}

func scanClaimCode(row pgx.Row) (*models.DeviceClaimCode, error) {
	c := &models.DeviceClaimCode{}
	err := row.Scan(
		&c.ID, &c.ClaimCode, &c.UserID, &c.ExpiresAt, &c.ConsumedAt, &c.InvalidatedAt, &c.DeviceID, &c.CreatedAt,
	)
	if err != nil {
		return nil, notFoundOr(err, "scan claim code")
	}
	return c, nil
}

func scanSession(row pgx.Row) (*models.DeviceSession, error) {
	s := &models.DeviceSession{}
	err := row.Scan(
		&s.ID, &s.UserID, &s.DeviceID, &s.DeviceName, &s.Platform, &s.RefreshTokenHash,
		&s.ExpiresAt, &s.RevokedAt, &s.CreatedAt, &s.LastUsedAt,
	)
	if err != nil {
		return nil, notFoundOr(err, "scan device session")
	}
	return s, nil
}
