package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const beatColumns = `id, device_id, timestamp`

// AppendBeats inserts one beat per timestamp for the device and returns the
// new ids in input order.
func (t *Tx) AppendBeats(ctx context.Context, deviceID int64, timestamps []time.Time) ([]int64, error) {
	stmt, err := t.tx.PrepareContext(ctx, `INSERT INTO beats (device_id, timestamp) VALUES (?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(timestamps))
	for _, ts := range timestamps {
		result, err := stmt.ExecContext(ctx, deviceID, ts.Unix())
		if err != nil {
			return nil, fmt.Errorf("insert beat: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("get last insert id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// BeatsFrom returns the device's beats with timestamp >= from, ordered by
// timestamp and then id.
func (t *Tx) BeatsFrom(ctx context.Context, deviceID int64, from time.Time) ([]Beat, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+beatColumns+`
		FROM beats
		WHERE device_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC, id ASC`, deviceID, from.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("query beats from: %w", err)
	}
	defer rows.Close()

	return scanBeats(rows)
}

// LastBeat returns the device's most recent beat, or nil if it has none.
func (t *Tx) LastBeat(ctx context.Context, deviceID int64) (*Beat, error) {
	return getBeat(ctx, t.tx, `
		SELECT `+beatColumns+` FROM beats
		WHERE device_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`, deviceID)
}

// FirstBeat returns the device's oldest beat, or nil if it has none.
func (t *Tx) FirstBeat(ctx context.Context, deviceID int64) (*Beat, error) {
	return getBeat(ctx, t.tx, `
		SELECT `+beatColumns+` FROM beats
		WHERE device_id = ?
		ORDER BY timestamp ASC, id ASC
		LIMIT 1`, deviceID)
}

// BeatBefore returns the device's latest beat strictly before t, or nil.
func (t *Tx) BeatBefore(ctx context.Context, deviceID int64, before time.Time) (*Beat, error) {
	return getBeat(ctx, t.tx, `
		SELECT `+beatColumns+` FROM beats
		WHERE device_id = ? AND timestamp < ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`, deviceID, before.Unix())
}

// LastBeat returns the most recent beat over all devices.
func (s *Store) LastBeat(ctx context.Context) (*Beat, error) {
	return getBeat(ctx, s.db, `
		SELECT `+beatColumns+` FROM beats
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`)
}

// FirstBeat returns the oldest beat over all devices.
func (s *Store) FirstBeat(ctx context.Context) (*Beat, error) {
	return getBeat(ctx, s.db, `
		SELECT `+beatColumns+` FROM beats
		ORDER BY timestamp ASC, id ASC
		LIMIT 1`)
}

// CountBeats returns the total number of beats.
func (s *Store) CountBeats(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM beats`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count beats: %w", err)
	}
	return n, nil
}

// RecentBeats returns up to limit beats over all devices, newest first.
func (s *Store) RecentBeats(ctx context.Context, limit int) ([]Beat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+beatColumns+`
		FROM beats
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent beats: %w", err)
	}
	defer rows.Close()

	return scanBeats(rows)
}

func getBeat(ctx context.Context, q querier, query string, args ...any) (*Beat, error) {
	var b Beat
	var ts int64

	err := q.QueryRowContext(ctx, query, args...).Scan(&b.ID, &b.DeviceID, &ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get beat: %w", err)
	}

	b.Timestamp = unixTime(ts)
	return &b, nil
}

func scanBeats(rows *sql.Rows) ([]Beat, error) {
	var beats []Beat

	for rows.Next() {
		var b Beat
		var ts int64
		if err := rows.Scan(&b.ID, &b.DeviceID, &ts); err != nil {
			return nil, fmt.Errorf("scan beat: %w", err)
		}
		b.Timestamp = unixTime(ts)
		beats = append(beats, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate beats: %w", err)
	}

	return beats, nil
}
