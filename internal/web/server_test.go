package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cuewatch/internal/engine"
	"cuewatch/internal/ipc"
	"cuewatch/internal/notify"
	"cuewatch/internal/reminder"
	"cuewatch/internal/storage/sqlite"
	"cuewatch/internal/wake"
)

type recorder struct {
	mu  sync.Mutex
	ids []int64
}

func (r *recorder) Notify(ctx context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, n.ReminderID)
	return nil
}

func (r *recorder) fired() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.ids...)
}

// nopScheduler keeps snooze re-triggers from firing during a test.
type nopScheduler struct{}

func (nopScheduler) Schedule(key string, at time.Time, fn func()) {}
func (nopScheduler) Cancel(key string)                            {}

func setup(t *testing.T, token string) (*Server, *engine.Engine, *recorder) {
	t.Helper()
	now := func() time.Time { return time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC) }
	store := sqlite.NewSQLiteStore(filepath.Join(t.TempDir(), "web.db"), sqlite.WithClock(now))
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { assert.NoError(t, store.Close()) })

	rec := &recorder{}
	eng := engine.New(engine.Deps{
		Store:     store,
		Notifier:  rec,
		Alerter:   notify.LogAlerter{},
		WakeLock:  wake.Noop{},
		Scheduler: nopScheduler{},
		Now:       now,
	}, engine.Config{Zone: time.UTC})
	return NewServer(eng, "127.0.0.1:0", token), eng, rec
}

func do(t *testing.T, s *Server, method, target, body string, header ...string) (*httptest.ResponseRecorder, ipc.Response) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	var resp ipc.Response
	if strings.HasPrefix(strings.TrimSpace(rr.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	}
	return rr, resp
}

func TestOwnTracksFeedsBatteryTick(t *testing.T) {
	s, eng, rec := setup(t, "")
	floor := 80
	r := &reminder.Reminder{Title: "unplug", Enabled: true,
		Rule: reminder.Rule{Conditions: []reminder.Condition{reminder.BatteryCondition{Min: &floor}}}}
	require.NoError(t, eng.CreateReminder(context.Background(), r))

	rr, _ := do(t, s, http.MethodPost, "/owntracks", `{"_type":"location","lat":48.1,"lon":11.5,"acc":12,"batt":91,"bs":2}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
	assert.Equal(t, []int64{r.ID}, rec.fired())
}

func TestOwnTracksIgnoresOtherTypes(t *testing.T) {
	s, _, rec := setup(t, "")
	rr, _ := do(t, s, http.MethodPost, "/owntracks", `{"_type":"transition","event":"enter"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
	assert.Empty(t, rec.fired())
}

func TestTokenRequired(t *testing.T) {
	s, _, _ := setup(t, "sekrit")

	rr, resp := do(t, s, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.False(t, resp.Success)

	rr, resp = do(t, s, http.MethodGet, "/api/status", "", "Authorization", "Bearer sekrit")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, resp.Success)
}

func TestReminderLookup(t *testing.T) {
	s, eng, _ := setup(t, "")
	r := &reminder.Reminder{Title: "water plants", Enabled: true}
	require.NoError(t, eng.CreateReminder(context.Background(), r))

	rr, resp := do(t, s, http.MethodGet, "/api/reminders/"+itoa(r.ID), "")
	require.Equal(t, http.StatusOK, rr.Code)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	status := data["status"].(map[string]interface{})
	assert.Equal(t, "IDLE", status["state"])

	rr, _ = do(t, s, http.MethodGet, "/api/reminders/9999", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAlarmEndpoints(t *testing.T) {
	s, eng, _ := setup(t, "")
	ctx := context.Background()

	_, resp := do(t, s, http.MethodPost, "/api/alarm/dismiss", "")
	assert.False(t, resp.Success, "nothing is ringing")

	r := &reminder.Reminder{Title: "leave now", Enabled: true}
	require.NoError(t, eng.CreateReminder(ctx, r))
	_, err := eng.TriggerAlarm(ctx, r.ID)
	require.NoError(t, err)

	_, resp = do(t, s, http.MethodPost, "/api/alarm/snooze", `{"minutes":5}`)
	require.True(t, resp.Success, resp.Message)
	st := eng.Alarm()
	require.NotNil(t, st)
	assert.False(t, st.IsRinging)
	assert.Equal(t, 1, st.SnoozeCount)

	_, resp = do(t, s, http.MethodPost, "/api/alarm/dismiss", "")
	assert.True(t, resp.Success)
	assert.Nil(t, eng.Alarm())
}

func TestEventsQueryValidation(t *testing.T) {
	s, _, _ := setup(t, "")
	rr, _ := do(t, s, http.MethodGet, "/api/events?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, resp := do(t, s, http.MethodGet, "/api/events?limit=5", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, resp.Success)
}

func itoa(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
