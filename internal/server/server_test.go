package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"heartbeatd/internal/config"
	"heartbeatd/internal/logging"
	"heartbeatd/internal/metrics"
	"heartbeatd/internal/reconcile"
	"heartbeatd/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testToken = "my_token"

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	srv    *Server
	store  *store.Store
	device *store.Device
	wm     *reconcile.Watermark
	clock  *atomic.Int64
	audit  *bytes.Buffer
}

type envOption func(*Deps)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "heartbeatd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	d, err := s.InsertDevice(context.Background(), "test device", testToken)
	require.NoError(t, err)

	env := &testEnv{
		store:  s,
		device: d,
		wm:     reconcile.NewWatermark(0),
		clock:  new(atomic.Int64),
		audit:  new(bytes.Buffer),
	}
	env.clock.Store(now.Unix())
	clock := func() time.Time { return time.Unix(env.clock.Load(), 0) }

	m := metrics.New(nil, "", env.wm.Load)
	deps := Deps{
		Store:     s,
		Watermark: env.wm,
		Metrics:   m,
		Audit:     logging.NewAuditLogger(env.audit, "test"),
		Logger:    logging.Discard(),
		Recorder: reconcile.New(s, env.wm,
			reconcile.WithClock(clock),
			reconcile.WithLogger(logging.Discard()),
			reconcile.WithObservers(m),
		),
	}
	for _, opt := range opts {
		opt(&deps)
	}

	t.Setenv("HEARTBEATD_DATA_DIR", t.TempDir())
	env.srv = New(config.DefaultConfig(), deps, WithClock(clock))
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seedBeats(t *testing.T, ts ...time.Time) []int64 {
	t.Helper()
	var ids []int64
	err := e.store.Update(context.Background(), func(tx *store.Tx) error {
		var err error
		ids, err = tx.AppendBeats(context.Background(), e.device.ID, ts)
		return err
	})
	require.NoError(t, err)
	return ids
}

func (e *testEnv) seedAbsence(t *testing.T, end time.Time, duration, begin, endBeat int64) {
	t.Helper()
	err := e.store.Update(context.Background(), func(tx *store.Tx) error {
		return tx.CreateAbsence(context.Background(), &store.Absence{
			DeviceID:     e.device.ID,
			EndTimestamp: end,
			Duration:     duration,
			BeginBeat:    begin,
			EndBeat:      endBeat,
		})
	})
	require.NoError(t, err)
}

func (e *testEnv) counts(t *testing.T) (beats, absences int64) {
	t.Helper()
	beats, err := e.store.CountBeats(context.Background())
	require.NoError(t, err)
	absences, err = e.store.CountAbsences(context.Background())
	require.NoError(t, err)
	return beats, absences
}

func batchBody(t *testing.T, ts ...any) string {
	t.Helper()
	if ts == nil {
		ts = []any{}
	}
	data, err := json.Marshal(map[string]any{"timestamps": ts})
	require.NoError(t, err)
	return string(data)
}

func naive(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05")
}

func TestHomeWithoutBeats(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "there are no heartbeats yet :3")
}

func TestHomeTotalBeats(t *testing.T) {
	for _, num := range []int{1, 3, 5, 200} {
		t.Run(strconv.Itoa(num), func(t *testing.T) {
			env := newTestEnv(t)
			ts := make([]time.Time, num)
			for i := range ts {
				ts[i] = now.AddDate(0, 0, -i)
			}
			env.seedBeats(t, ts...)

			rec := env.do(t, http.MethodGet, "/", "", "")
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), fmt.Sprintf("total beats: <strong>%d</strong>", num))
		})
	}
}

func TestHomeActivity(t *testing.T) {
	tests := []struct {
		name   string
		ago    time.Duration
		want   string
		asleep bool
		awake  bool
	}{
		{"active", 9 * time.Minute, `status: <span class="active">active</span>`, false, true},
		{"inactive", 11 * time.Minute, `status: <span class="inactive">inactive</span>`, false, false},
		{"asleep", 5 * time.Hour, `status: <span class="inactive">inactive</span>`, true, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.seedBeats(t, now.Add(-tc.ago))

			body := env.do(t, http.MethodGet, "/", "", "").Body.String()
			assert.Contains(t, body, tc.want)
			assert.Equal(t, tc.asleep, strings.Contains(body, "probably means asleep"))
			assert.Equal(t, tc.awake, strings.Contains(body, "active right now!"))
		})
	}
}

func TestHomeObservesOngoingGap(t *testing.T) {
	env := newTestEnv(t)
	env.seedBeats(t, now.Add(-2*time.Hour))

	body := env.do(t, http.MethodGet, "/", "", "").Body.String()
	assert.Contains(t, body, "longest absence: <strong>2h </strong>")
	assert.Contains(t, body, "last beat: <strong>2024/06/01 10:00 UTC</strong>")
	assert.Equal(t, int64(7200), env.wm.Load())
}

func TestBeat(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/beat", testToken, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, strconv.FormatInt(now.Unix(), 10), rec.Body.String())

	beats, _ := env.counts(t)
	assert.Equal(t, int64(1), beats)

	d, err := env.store.GetDevice(context.Background(), env.device.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.BeatCount)
}

func TestBeatCreatesAbsence(t *testing.T) {
	env := newTestEnv(t)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/beat", testToken, "").Code)
	env.clock.Add(5000)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/beat", testToken, "").Code)

	_, absences := env.counts(t)
	assert.Equal(t, int64(1), absences)
	assert.Equal(t, int64(5000), env.wm.Load())
}

func TestAuthErrors(t *testing.T) {
	tests := []struct {
		name  string
		token string
		code  int
	}{
		{"missing", "", http.StatusBadRequest},
		{"not visible ascii", "tok\x7fen", http.StatusBadRequest},
		{"unknown", "someone_else", http.StatusUnauthorized},
	}

	for _, tc := range tests {
		for _, path := range []string{"/api/beat", "/api/batch"} {
			t.Run(tc.name+path, func(t *testing.T) {
				env := newTestEnv(t)

				rec := env.do(t, http.MethodPost, path, tc.token, batchBody(t, naive(now)))
				assert.Equal(t, tc.code, rec.Code)

				beats, _ := env.counts(t)
				assert.Zero(t, beats)
				assert.Contains(t, env.audit.String(), `"action":"device_auth"`)
			})
		}
	}
}

func TestBatchCreatesAbsences(t *testing.T) {
	env := newTestEnv(t)

	body := batchBody(t,
		naive(now.AddDate(0, 0, -10)),
		naive(now.AddDate(0, 0, -9)),
		naive(now.AddDate(0, 0, -8)),
	)
	rec := env.do(t, http.MethodPost, "/api/batch", testToken, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "3", rec.Body.String())

	beats, absences := env.counts(t)
	assert.Equal(t, int64(3), beats)
	assert.Equal(t, int64(2), absences)
}

func TestBatchDoesNotDuplicateAbsences(t *testing.T) {
	env := newTestEnv(t)
	ids := env.seedBeats(t, now.AddDate(0, 0, -5), now.AddDate(0, 0, -3))
	env.seedAbsence(t, now.AddDate(0, 0, -3), 2*86400, ids[0], ids[1])

	rec := env.do(t, http.MethodPost, "/api/batch", testToken, batchBody(t,
		naive(now.AddDate(0, 0, -10)),
		naive(now.AddDate(0, 0, -9)),
	))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// 10 to 9, 9 to 5 and 5 to 3
	_, absences := env.counts(t)
	assert.Equal(t, int64(3), absences)
}

func TestBatchDeletesInterruptedAbsence(t *testing.T) {
	env := newTestEnv(t)
	ids := env.seedBeats(t, now.Add(-5000*time.Second), now)
	env.seedAbsence(t, now, 5000, ids[0], ids[1])

	rec := env.do(t, http.MethodPost, "/api/batch", testToken, batchBody(t, naive(now.Add(-2500*time.Second))))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, absences := env.counts(t)
	assert.Zero(t, absences)
}

func TestBatchKeepsUninterruptedAbsence(t *testing.T) {
	env := newTestEnv(t)
	ids := env.seedBeats(t, now.Add(-5000*time.Second), now)
	env.seedAbsence(t, now, 5000, ids[0], ids[1])

	rec := env.do(t, http.MethodPost, "/api/batch", testToken, batchBody(t, naive(now.Add(-5020*time.Second))))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, absences := env.counts(t)
	assert.Equal(t, int64(1), absences)
}

func TestBatchAcceptsTimestampFormats(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/batch", testToken, batchBody(t,
		"2024-05-01T10:00:00+02:00",
		"2024-05-01 09:00:00.250",
		now.AddDate(0, 0, -1).Unix(),
	))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "3", rec.Body.String())

	first, err := env.store.FirstBeat(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), first.Timestamp)
}

func TestBatchRejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"empty", `{"timestamps": []}`, http.StatusUnprocessableEntity},
		{"not json", `{"timestamps": [`, http.StatusBadRequest},
		{"trailing data", `{"timestamps": [1717243200]} {}`, http.StatusBadRequest},
		{"negative unix", `{"timestamps": [-5]}`, http.StatusUnprocessableEntity},
		{"missing field", `{}`, http.StatusUnprocessableEntity},
		{"wrong type", `{"timestamps": "yesterday"}`, http.StatusUnprocessableEntity},
		{"unknown field", `{"timestamps": [], "device": 2}`, http.StatusUnprocessableEntity},
		{"bad date", `{"timestamps": ["2024-13-45T00:00:00"]}`, http.StatusUnprocessableEntity},
		{"fractional unix", `{"timestamps": [1717243200.5]}`, http.StatusUnprocessableEntity},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)

			rec := env.do(t, http.MethodPost, "/api/batch", testToken, tc.body)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())

			beats, _ := env.counts(t)
			assert.Zero(t, beats)
		})
	}
}

type failingRecorder struct{}

func (failingRecorder) Beat(context.Context, int64) (time.Time, error) {
	return time.Time{}, errors.New("reconcile beat: disk full")
}

func (failingRecorder) Batch(context.Context, int64, []time.Time) (int, error) {
	return 0, errors.New("reconcile batch: disk full")
}

func TestStorageFailure(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Recorder = failingRecorder{} })

	rec := env.do(t, http.MethodPost, "/api/beat", testToken, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "something went wrong: reconcile beat: disk full\n", rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/batch", testToken, batchBody(t, naive(now)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "something went wrong: reconcile batch")
}

func TestStatusJSON(t *testing.T) {
	env := newTestEnv(t)
	env.seedBeats(t, now.AddDate(0, 0, -1), now.Add(-3*time.Minute))

	rec := env.do(t, http.MethodGet, "/api/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var v statusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.True(t, v.Active)
	assert.False(t, v.Asleep)
	assert.Equal(t, int64(2), v.TotalBeats)
	assert.Equal(t, int64(180), v.SinceLastBeat)
	assert.Equal(t, now.AddDate(0, 0, -1), v.FirstBeat)
}

func TestStatusWithBeatAfterNow(t *testing.T) {
	env := newTestEnv(t)
	env.seedBeats(t, now.Add(-time.Hour), now.Add(time.Hour))

	rec := env.do(t, http.MethodGet, "/api/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var v statusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.True(t, v.Active)
	assert.Zero(t, v.SinceLastBeat)
	assert.Zero(t, env.wm.Load())

	body := env.do(t, http.MethodGet, "/", "", "").Body.String()
	assert.Contains(t, body, "time since last beat: <strong>just now</strong>")
}

func TestStatusJSONWithoutBeats(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_beats":0`)
}

func TestReport(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/batch", testToken, batchBody(t,
		naive(now.Add(-3*time.Hour)),
		naive(now),
	))
	require.Equal(t, http.StatusOK, rec.Code)

	body := env.do(t, http.MethodGet, "/report", "", "").Body.String()
	assert.Contains(t, body, "Absence from 2024/06/01 09:00 UTC to 2024/06/01 12:00 UTC of 3h ")
}

func TestGraph(t *testing.T) {
	env := newTestEnv(t)

	body := env.do(t, http.MethodGet, "/graph", "", "").Body.String()
	assert.Contains(t, body, "Not enough beats")
	assert.Contains(t, body, "Not enough absences")

	rec := env.do(t, http.MethodPost, "/api/batch", testToken, batchBody(t,
		naive(now.Add(-30*time.Hour)),
		naive(now.Add(-2*time.Hour)),
	))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/graph", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = rec.Body.String()
	assert.Contains(t, body, "test device")
	assert.Contains(t, body, `class="beat"`)
	assert.Contains(t, body, `class="length"`)
	assert.Contains(t, body, "2024/05/31")
	assert.NotContains(t, body, "Not enough")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/beat", testToken, "").Code)

	rec := env.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "heartbeatd_beats_total 1")
	assert.Contains(t, body, `heartbeatd_http_requests_total{code="200",route="/api/beat"} 1`)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "", "").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/readyz", "", "").Code)
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/", "", "")
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestStatusConfigReload(t *testing.T) {
	env := newTestEnv(t)
	env.seedBeats(t, now.Add(-20*time.Minute))

	assert.Contains(t, env.do(t, http.MethodGet, "/", "", "").Body.String(), `class="inactive"`)

	cfg := config.DefaultConfig().Status
	cfg.ActiveWindowSec = 30 * 60
	env.srv.SetStatusConfig(cfg)

	assert.Contains(t, env.do(t, http.MethodGet, "/", "", "").Body.String(), `class="active"`)
}
