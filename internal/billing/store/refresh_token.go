package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/labeldesk/internal/billing/model"
)

type RefreshTokenStore struct {
	db  querier
	now func() time.Time
}

func scanRefreshToken(s scanner) (*model.RefreshToken, error) {
	var rt model.RefreshToken
	var used int
	err := s.Scan(&rt.ID, &rt.UserID, &rt.DeviceID, &rt.TokenHash, &used, &rt.ExpiresAt, &rt.CreatedAt)
	if err != nil {
		return nil, err
	}
	rt.Used = used != 0
	return &rt, nil
}

const refreshTokenCols = `id, user_id, device_id, token_hash, used, expires_at, created_at`

// Create stores a refresh token by hash. The plaintext never reaches the
// database.
func (s *RefreshTokenStore) Create(ctx context.Context, userID int64, deviceID, tokenHash string, expiresAt time.Time) (*model.RefreshToken, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (user_id, device_id, token_hash, used, expires_at, created_at) VALUES (?, ?, ?, 0, ?, ?)`,
		userID, deviceID, tokenHash, expiresAt.UTC(), s.now(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert refresh token: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+refreshTokenCols+` FROM refresh_tokens WHERE id = ?`, id)
	return scanRefreshToken(row)
}

// GetByHash returns the token regardless of state, or nil if unknown.
func (s *RefreshTokenStore) GetByHash(ctx context.Context, tokenHash string) (*model.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+refreshTokenCols+` FROM refresh_tokens WHERE token_hash = ?`, tokenHash)
	rt, err := scanRefreshToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	return rt, nil
}

// Consume marks an unused, unexpired token as used and returns it. A token
// can be consumed exactly once; nil means it was unknown, used or expired.
func (s *RefreshTokenStore) Consume(ctx context.Context, tokenHash string) (*model.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE refresh_tokens SET used = 1
		 WHERE token_hash = ? AND used = 0 AND expires_at > ?
		 RETURNING `+refreshTokenCols,
		tokenHash, s.now(),
	)
	rt, err := scanRefreshToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consume refresh token: %w", err)
	}
	return rt, nil
}

// DeleteByDevice removes every token issued to the user's device.
func (s *RefreshTokenStore) DeleteByDevice(ctx context.Context, userID int64, deviceID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE user_id = ? AND device_id = ?`,
		userID, deviceID,
	)
	if err != nil {
		return 0, fmt.Errorf("delete refresh tokens by device: %w", err)
	}
	return result.RowsAffected()
}

func (s *RefreshTokenStore) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= ?`, s.now())
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}
