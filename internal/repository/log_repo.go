package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/entitlement-service/internal/models"
)

// Order log actions
const (
	OrderActionCreated   = "created"
	OrderActionPaid      = "paid"
	OrderActionFailed    = "failed"
	OrderActionCancelled = "cancelled"
	OrderActionExpired   = "expired"
	OrderActionRefunded  = "refunded"
)

type LogRepository struct {
	pool *pgxpool.Pool
}

func NewLogRepository(pool *pgxpool.Pool) *LogRepository {
	return &LogRepository{pool: pool}
}

// Create appends an order log entry
func (r *LogRepository) Create(ctx context.Context, logEntry *models.OrderLog) error {
	if logEntry.ID == "" {
		logEntry.ID = uuid.New().String()
	}

	query := `
		INSERT INTO entitlement.order_logs (id, order_id, action, status, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := r.pool.QueryRow(ctx, query,
		logEntry.ID, logEntry.OrderID, logEntry.Action, logEntry.Status, logEntry.Message, logEntry.Metadata,
	).Scan(&logEntry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order log: %w", err)
	}

	return nil
}

// GetByOrderID retrieves logs for an order, newest first
func (r *LogRepository) GetByOrderID(ctx context.Context, orderID string, limit int) ([]*models.OrderLog, error) {
	if limit <= 0 {
		limit = 50
	}
	if !isUUID(orderID) {
		return nil, nil
	}

	query := `
		SELECT id, order_id, action, status, message, metadata, created_at
		FROM entitlement.order_logs
		WHERE order_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, orderID, limit)
	if err != nil {
		return nil, fmt.Errorf("query order logs: %w", err)
	}
	defer rows.Close()

	var logEntries []*models.OrderLog
	for rows.Next() {
		logEntry := &models.OrderLog{}
		err := rows.Scan(
			&logEntry.ID, &logEntry.OrderID, &logEntry.Action, &logEntry.Status,
			&logEntry.Message, &logEntry.Metadata, &logEntry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order log: %w", err)
		}
		logEntries = append(logEntries, logEntry)
	}

	return logEntries, rows.Err()
}
