package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// HashToken returns the digest under which a device token is stored.
func HashToken(token string) []byte {
	sum := blake2b.Sum256([]byte(token))
	return sum[:]
}

// NewToken returns a random URL-safe device token.
func NewToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// CreateDevice registers a device under a freshly generated token. The
// returned Device carries the plaintext token; it cannot be recovered later.
func (s *Store) CreateDevice(ctx context.Context, name string) (*Device, error) {
	token, err := NewToken()
	if err != nil {
		return nil, err
	}
	return s.InsertDevice(ctx, name, token)
}

// InsertDevice registers a device with the given token.
func (s *Store) InsertDevice(ctx context.Context, name, token string) (*Device, error) {
	now := time.Now().UTC().Truncate(time.Second)

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (name, token_hash, beat_count, created_at)
		VALUES (?, ?, 0, ?)`,
		name, HashToken(token), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert device: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return &Device{
		ID:        id,
		Name:      name,
		CreatedAt: now,
		Token:     token,
	}, nil
}

// DeviceByToken resolves a device from its plaintext token. It returns nil
// when no device matches.
func (s *Store) DeviceByToken(ctx context.Context, token string) (*Device, error) {
	return getDevice(ctx, s.db, `
		SELECT id, name, beat_count, created_at
		FROM devices WHERE token_hash = ?`, HashToken(token))
}

// GetDevice retrieves a device by ID, or nil if it does not exist.
func (s *Store) GetDevice(ctx context.Context, id int64) (*Device, error) {
	return getDevice(ctx, s.db, `
		SELECT id, name, beat_count, created_at
		FROM devices WHERE id = ?`, id)
}

// ListDevices returns all devices ordered by id.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, beat_count, created_at
		FROM devices
		ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		var createdAt int64
		if err := rows.Scan(&d.ID, &d.Name, &d.BeatCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.CreatedAt = unixTime(createdAt)
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}

	return devices, nil
}

// IncrementBeatCount adds by to the device's beat counter.
func (t *Tx) IncrementBeatCount(ctx context.Context, deviceID int64, by int64) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE devices SET beat_count = beat_count + ? WHERE id = ?`, by, deviceID)
	if err != nil {
		return fmt.Errorf("increment beat count: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("device %d: %w", deviceID, ErrNotFound)
	}

	return nil
}

func getDevice(ctx context.Context, q querier, query string, args ...any) (*Device, error) {
	var d Device
	var createdAt int64

	err := q.QueryRowContext(ctx, query, args...).Scan(&d.ID, &d.Name, &d.BeatCount, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get device: %w", err)
	}

	d.CreatedAt = unixTime(createdAt)
	return &d, nil
}
