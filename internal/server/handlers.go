package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"time"
)

func (s *Server) handleBeat(w http.ResponseWriter, r *http.Request) {
	device, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	at, err := s.deps.Recorder.Beat(r.Context(), device.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeText(w, strconv.FormatInt(at.Unix(), 10))
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	device, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("read body: %w", err))
		return
	}
	batch, err := decodeBatch(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	n, err := s.deps.Recorder.Batch(r.Context(), device.ID, batch.Times())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeText(w, strconv.Itoa(n))
}

// statusView holds the figures shown on the home page and /api/status.
type statusView struct {
	Active         bool      `json:"active"`
	Asleep         bool      `json:"asleep"`
	LastBeat       time.Time `json:"last_beat"`
	FirstBeat      time.Time `json:"first_beat"`
	SinceLastBeat  int64     `json:"seconds_since_last_beat"`
	LongestAbsence int64     `json:"longest_absence_seconds"`
	TotalBeats     int64     `json:"total_beats"`
	Uptime         int64     `json:"uptime_seconds"`
	SleepAfter     int64     `json:"-"`
}

// snapshot computes the status figures, or nil when nothing has beaten yet.
// The gap since the last beat is fed to the watermark, so an ongoing
// absence counts towards the longest one.
func (s *Server) snapshot(ctx context.Context) (*statusView, error) {
	last, err := s.deps.Store.LastBeat(ctx)
	if err != nil {
		return nil, err
	}
	first, err := s.deps.Store.FirstBeat(ctx)
	if err != nil {
		return nil, err
	}
	if last == nil || first == nil {
		return nil, nil
	}
	total, err := s.deps.Store.CountBeats(ctx)
	if err != nil {
		return nil, err
	}

	cfg := s.status.Load()
	now := s.now().UTC()
	// A batch may have stored beats later than now.
	since := max(now.Unix()-last.Timestamp.Unix(), 0)

	v := &statusView{
		Active:        since < cfg.ActiveWindowSec,
		LastBeat:      last.Timestamp,
		FirstBeat:     first.Timestamp,
		SinceLastBeat: since,
		TotalBeats:    total,
		Uptime:        now.Unix() - s.started.Unix(),
		SleepAfter:    cfg.SleepAfterSec,
	}
	v.Asleep = !v.Active && since > cfg.SleepAfterSec
	if s.deps.Watermark != nil {
		v.LongestAbsence = s.deps.Watermark.Observe(since)
	}
	return v, nil
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	v, err := s.snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if v == nil {
		s.writeHTML(w, r, emptyTmpl, nil)
		return
	}
	s.writeHTML(w, r, homeTmpl, v)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	v, err := s.snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if v == nil {
		v = &statusView{Uptime: s.now().Unix() - s.started.Unix()}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithContext(r.Context()).Warn("encode status", "error", err)
	}
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	absences, err := s.deps.Store.RecentAbsences(r.Context(), s.status.Load().ReportLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeHTML(w, r, reportTmpl, absences)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := s.status.Load()

	beats, err := s.deps.Store.RecentBeats(ctx, cfg.GraphBeats)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	devices, err := s.deps.Store.ListDevices(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	absences, err := s.deps.Store.RecentAbsences(ctx, cfg.ReportLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeHTML(w, r, graphTmpl, graphView{
		Recent:   buildRecent(beats, devices, s.now().UTC()),
		Calendar: buildCalendar(absences),
	})
}

// writeHTML renders the page fully before any of it is written.
func (s *Server) writeHTML(w http.ResponseWriter, r *http.Request, tmpl *template.Template, data any) {
	var buf bytes.Buffer
	if err := render(&buf, tmpl, data); err != nil {
		s.writeError(w, r, fmt.Errorf("render page: %w", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, body)
}
