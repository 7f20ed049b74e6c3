// Package reconcile keeps each device's absences consistent with its beat
// timeline.
//
// An absence is a gap of at least Threshold seconds between two consecutive
// beats of one device. Beats arriving live extend the timeline at its end
// (Reconciler.Beat); batches of historical beats may land anywhere in it and
// force the affected absences to be invalidated and re-derived
// (Reconciler.Batch). Every call runs in a single store transaction, so a
// failure leaves beats, absences and the device's beat count untouched.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"heartbeatd/internal/logging"
	"heartbeatd/internal/store"
)

// Threshold is the minimum gap, in seconds, that counts as an absence.
const Threshold int64 = 3600

// ErrEmptyBatch is returned by Batch when no timestamps are given.
var ErrEmptyBatch = errors.New("no timestamps provided")

// Store is the transactional storage the reconciler works against.
type Store interface {
	Update(ctx context.Context, fn func(tx *store.Tx) error) error
}

// Outcome describes the changes one committed reconciliation made.
type Outcome struct {
	DeviceID int64
	Beats    []store.Beat
	Created  []store.Absence
	Deleted  []store.Absence

	// LongestGap is the largest gap evaluated, in seconds.
	LongestGap int64
}

func (o *Outcome) observeGap(seconds int64) {
	if seconds > o.LongestGap {
		o.LongestGap = seconds
	}
}

// Observer is notified after a reconciliation commits.
type Observer interface {
	ObserveOutcome(ctx context.Context, o Outcome)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, o Outcome)

// ObserveOutcome calls f.
func (f ObserverFunc) ObserveOutcome(ctx context.Context, o Outcome) {
	f(ctx, o)
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock sets the time source used by Beat.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// WithObservers registers observers notified after every commit.
func WithObservers(obs ...Observer) Option {
	return func(r *Reconciler) {
		r.observers = append(r.observers, obs...)
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Reconciler) {
		r.logger = l
	}
}

// Reconciler records beats and maintains absences.
type Reconciler struct {
	store     Store
	watermark *Watermark
	locks     *deviceLocks
	now       func() time.Time
	observers []Observer
	logger    *logging.Logger
}

// New returns a Reconciler writing to s and raising w.
func New(s Store, w *Watermark, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:     s,
		watermark: w,
		locks:     newDeviceLocks(),
		now:       time.Now,
		logger:    logging.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("reconcile")
	return r
}

// Watermark returns the watermark the reconciler raises.
func (r *Reconciler) Watermark() *Watermark {
	return r.watermark
}

// Beat records a beat for the device at the current time and returns that
// time, truncated to the second.
func (r *Reconciler) Beat(ctx context.Context, deviceID int64) (time.Time, error) {
	now := r.now().UTC().Truncate(time.Second)

	unlock := r.locks.lock(deviceID)
	defer unlock()

	var out Outcome
	err := r.store.Update(ctx, func(tx *store.Tx) error {
		out = Outcome{DeviceID: deviceID}

		last, err := tx.LastBeat(ctx, deviceID)
		if err != nil {
			return err
		}

		// A last beat in the future means the timeline was extended by a
		// batch; the new beat lands inside it rather than at its end.
		if last != nil && last.Timestamp.After(now) {
			return reconcileBatch(ctx, tx, deviceID, []time.Time{now}, &out)
		}

		ids, err := tx.AppendBeats(ctx, deviceID, []time.Time{now})
		if err != nil {
			return err
		}
		if err := tx.IncrementBeatCount(ctx, deviceID, 1); err != nil {
			return err
		}
		beat := store.Beat{ID: ids[0], DeviceID: deviceID, Timestamp: now}
		out.Beats = append(out.Beats, beat)

		if last == nil {
			return nil
		}
		return evaluateGap(ctx, tx, *last, beat, &out)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("reconcile beat: %w", err)
	}

	r.committed(ctx, out)
	return now, nil
}

// Batch records one beat per timestamp and re-derives every absence the new
// beats may have split or shortened. It returns the number of beats stored.
func (r *Reconciler) Batch(ctx context.Context, deviceID int64, timestamps []time.Time) (int, error) {
	if len(timestamps) == 0 {
		return 0, ErrEmptyBatch
	}

	ts := make([]time.Time, len(timestamps))
	for i, t := range timestamps {
		ts[i] = t.UTC().Truncate(time.Second)
	}

	unlock := r.locks.lock(deviceID)
	defer unlock()

	var out Outcome
	err := r.store.Update(ctx, func(tx *store.Tx) error {
		out = Outcome{DeviceID: deviceID}
		return reconcileBatch(ctx, tx, deviceID, ts, &out)
	})
	if err != nil {
		return 0, fmt.Errorf("reconcile batch: %w", err)
	}

	r.committed(ctx, out)
	return len(ts), nil
}

func (r *Reconciler) committed(ctx context.Context, out Outcome) {
	if out.LongestGap > 0 {
		r.watermark.Observe(out.LongestGap)
	}

	r.logger.WithContext(ctx).Debug("reconciled",
		"device_id", out.DeviceID,
		"beats", len(out.Beats),
		"absences_created", len(out.Created),
		"absences_deleted", len(out.Deleted),
		"longest_gap", out.LongestGap,
	)

	for _, obs := range r.observers {
		obs.ObserveOutcome(ctx, out)
	}
}

// evaluateGap records the gap between two consecutive beats and persists an
// absence when it reaches Threshold.
func evaluateGap(ctx context.Context, tx *store.Tx, prev, cur store.Beat, out *Outcome) error {
	gap := cur.Timestamp.Unix() - prev.Timestamp.Unix()
	out.observeGap(gap)
	if gap < Threshold {
		return nil
	}

	a := store.Absence{
		DeviceID:     cur.DeviceID,
		EndTimestamp: cur.Timestamp,
		Duration:     gap,
		BeginBeat:    prev.ID,
		EndBeat:      cur.ID,
	}
	if err := tx.CreateAbsence(ctx, &a); err != nil {
		return err
	}
	out.Created = append(out.Created, a)
	return nil
}

type beatPair struct {
	begin, end int64
}

func reconcileBatch(ctx context.Context, tx *store.Tx, deviceID int64, ts []time.Time, out *Outcome) error {
	ids, err := tx.AppendBeats(ctx, deviceID, ts)
	if err != nil {
		return err
	}
	if err := tx.IncrementBeatCount(ctx, deviceID, int64(len(ts))); err != nil {
		return err
	}
	for i, id := range ids {
		out.Beats = append(out.Beats, store.Beat{ID: id, DeviceID: deviceID, Timestamp: ts[i]})
	}

	t0 := slices.MinFunc(ts, func(a, b time.Time) int { return a.Compare(b) })

	beats, err := tx.BeatsFrom(ctx, deviceID, t0)
	if err != nil {
		return err
	}
	// The gap leading into t0 is affected too.
	prev, err := tx.BeatBefore(ctx, deviceID, t0)
	if err != nil {
		return err
	}
	if prev != nil {
		beats = append([]store.Beat{*prev}, beats...)
	}

	loaded, err := tx.AbsencesFrom(ctx, deviceID, t0)
	if err != nil {
		return err
	}

	// An absence ending exactly at t0 stays valid: a new beat in the same
	// second orders after its end beat.
	represented := make(map[beatPair]struct{}, len(loaded))
	candidates := make([]store.Absence, 0, len(loaded))
	for _, a := range loaded {
		if a.EndTimestamp.After(t0) {
			candidates = append(candidates, a)
		} else {
			represented[beatPair{a.BeginBeat, a.EndBeat}] = struct{}{}
		}
	}

	consecutive := make(map[beatPair]struct{}, len(beats))
	for i := 1; i < len(beats); i++ {
		consecutive[beatPair{beats[i-1].ID, beats[i].ID}] = struct{}{}
	}

	// A new beat sharing its second with an absence's begin beat is not
	// contained by it yet still splits the pair.
	for i := 0; i < len(candidates); {
		a := candidates[i]
		_, intact := consecutive[beatPair{a.BeginBeat, a.EndBeat}]
		if intact && !containsAny(a, ts) {
			i++
			continue
		}
		if err := tx.DeleteAbsence(ctx, a.ID); err != nil {
			return err
		}
		out.Deleted = append(out.Deleted, a)
		candidates = slices.Delete(candidates, i, i+1)
	}

	for _, a := range candidates {
		represented[beatPair{a.BeginBeat, a.EndBeat}] = struct{}{}
	}

	for i := 1; i < len(beats); i++ {
		pair := beatPair{beats[i-1].ID, beats[i].ID}
		if _, ok := represented[pair]; ok {
			continue
		}
		n := len(out.Created)
		if err := evaluateGap(ctx, tx, beats[i-1], beats[i], out); err != nil {
			return err
		}
		if len(out.Created) > n {
			represented[pair] = struct{}{}
		}
	}

	return nil
}

func containsAny(a store.Absence, ts []time.Time) bool {
	for _, t := range ts {
		if a.Contains(t) {
			return true
		}
	}
	return false
}
