package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const absenceColumns = `id, device_id, end_timestamp, duration, begin_beat, end_beat`

// AbsencesFrom returns the device's absences with end_timestamp >= from,
// ordered by end_timestamp and then id.
func (t *Tx) AbsencesFrom(ctx context.Context, deviceID int64, from time.Time) ([]Absence, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+absenceColumns+`
		FROM absences
		WHERE device_id = ? AND end_timestamp >= ?
		ORDER BY end_timestamp ASC, id ASC`, deviceID, from.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("query absences from: %w", err)
	}
	defer rows.Close()

	return scanAbsences(rows)
}

// CreateAbsence inserts a and sets its ID.
func (t *Tx) CreateAbsence(ctx context.Context, a *Absence) error {
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO absences (device_id, end_timestamp, duration, begin_beat, end_beat)
		VALUES (?, ?, ?, ?, ?)`,
		a.DeviceID, a.EndTimestamp.Unix(), a.Duration, a.BeginBeat, a.EndBeat,
	)
	if err != nil {
		return fmt.Errorf("insert absence: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}

	a.ID = id
	return nil
}

// DeleteAbsence removes the absence with the given id.
func (t *Tx) DeleteAbsence(ctx context.Context, id int64) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM absences WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete absence: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("absence %d: %w", id, ErrNotFound)
	}

	return nil
}

// RecentAbsences returns up to limit absences over all devices, the most
// recently ended first.
func (s *Store) RecentAbsences(ctx context.Context, limit int) ([]Absence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+absenceColumns+`
		FROM absences
		ORDER BY end_timestamp DESC, id DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent absences: %w", err)
	}
	defer rows.Close()

	return scanAbsences(rows)
}

// DeviceAbsences returns every absence of a device in chronological order.
func (s *Store) DeviceAbsences(ctx context.Context, deviceID int64) ([]Absence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+absenceColumns+`
		FROM absences
		WHERE device_id = ?
		ORDER BY end_timestamp ASC, id ASC`, deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query device absences: %w", err)
	}
	defer rows.Close()

	return scanAbsences(rows)
}

// CountAbsences returns the total number of absences.
func (s *Store) CountAbsences(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM absences`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count absences: %w", err)
	}
	return n, nil
}

// LongestAbsence returns the largest persisted absence duration in seconds,
// or 0 when there are none.
func (s *Store) LongestAbsence(ctx context.Context) (int64, error) {
	var longest int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(duration), 0) FROM absences`).Scan(&longest)
	if err != nil {
		return 0, fmt.Errorf("get longest absence: %w", err)
	}
	return longest, nil
}

func scanAbsences(rows *sql.Rows) ([]Absence, error) {
	var absences []Absence

	for rows.Next() {
		var a Absence
		var end int64
		if err := rows.Scan(&a.ID, &a.DeviceID, &end, &a.Duration, &a.BeginBeat, &a.EndBeat); err != nil {
			return nil, fmt.Errorf("scan absence: %w", err)
		}
		a.EndTimestamp = unixTime(end)
		absences = append(absences, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate absences: %w", err)
	}

	return absences, nil
}
