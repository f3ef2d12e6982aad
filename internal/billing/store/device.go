package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/labeldesk/internal/billing/model"
)

type DeviceStore struct {
	db  querier
	now func() time.Time
}

func scanDevice(s scanner) (*model.Device, error) {
	var d model.Device
	err := s.Scan(&d.ID, &d.UserID, &d.DeviceID, &d.DeviceName, &d.RegisteredAt, &d.LastSeen)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

const deviceCols = `id, user_id, device_id, device_name, registered_at, last_seen`

func (s *DeviceStore) Create(ctx context.Context, userID int64, deviceID, name string) (*model.Device, error) {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (user_id, device_id, device_name, registered_at, last_seen) VALUES (?, ?, ?, ?, ?)`,
		userID, deviceID, name, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert device: %w", err)
	}
	return s.GetByDeviceID(ctx, deviceID)
}

// GetByDeviceID looks a device up by its client-generated id.
func (s *DeviceStore) GetByDeviceID(ctx context.Context, deviceID string) (*model.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceCols+` FROM devices WHERE device_id = ?`, deviceID)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

func (s *DeviceStore) ListByUser(ctx context.Context, userID int64) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceCols+` FROM devices WHERE user_id = ? ORDER BY registered_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

func (s *DeviceStore) CountByUser(ctx context.Context, userID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return n, nil
}

// Touch refreshes last_seen and, when name is non-empty, the display name.
// It reports whether the device is registered to the user.
func (s *DeviceStore) Touch(ctx context.Context, userID int64, deviceID, name string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen = ?, device_name = CASE WHEN ? <> '' THEN ? ELSE device_name END
		 WHERE user_id = ? AND device_id = ?`,
		s.now(), name, name, userID, deviceID,
	)
	if err != nil {
		return false, fmt.Errorf("touch device: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *DeviceStore) Delete(ctx context.Context, userID int64, deviceID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE user_id = ? AND device_id = ?`, userID, deviceID)
	if err != nil {
		return false, fmt.Errorf("delete device: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
