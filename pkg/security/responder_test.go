package security

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/sentinel/pkg/fault"
	"github.com/openfroyo/sentinel/pkg/notify"
	"github.com/openfroyo/sentinel/pkg/stores"
	"github.com/openfroyo/sentinel/pkg/surface"
)

type modal struct {
	level   notify.Level
	message string
	actions []string
}

type recordingNotifier struct {
	mu     sync.Mutex
	modals []modal
	kv     *stores.KVStore
	seen   []int
}

func (n *recordingNotifier) Modal(level notify.Level, _, message, _ string, actions ...string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.modals = append(n.modals, modal{level: level, message: message, actions: actions})
	if n.kv != nil {
		incidents, _ := NewRing(n.kv, 0).All()
		n.seen = append(n.seen, len(incidents))
	}
	return nil
}

func newTestKV(t *testing.T) *stores.KVStore {
	t.Helper()
	kv, err := stores.OpenKV(stores.InMemoryKVConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func securityFault(msg string) (fault.Record, fault.Classification) {
	rec := fault.NewRecord(fault.KindSecurity, msg, time.Unix(1700000000, 0))
	return rec, fault.NewClassifier().Classify(rec)
}

func TestRespondToCSRF(t *testing.T) {
	kv := newTestKV(t)
	for _, k := range []string{"session_token", "auth_user", "app_layout", "diagram_1"} {
		require.NoError(t, kv.Put(k, []byte("1")))
	}

	clock := newFakeClock()
	jar := NewJar()
	u, _ := url.Parse("https://editor.example.com/")
	jar.SetCookies(u, []*http.Cookie{{Name: "sid", Value: "abc"}})

	elements := surface.NewElements()
	require.NoError(t, elements.Register(surface.Element{ID: "payload", Content: "<script>steal()</script>"}))
	require.NoError(t, elements.Register(surface.Element{ID: "toolbar", Content: "Save"}))

	notifier := &recordingNotifier{kv: kv}
	r, err := NewResponder(context.Background(), DefaultConfig(), Options{
		KV:        kv,
		Session:   NewKVSession(kv, nil, jar, zerolog.Nop()),
		Elements:  elements,
		Notifier:  notifier,
		Logger:    zerolog.Nop(),
		SessionID: "session_1",
		Clock:     clock.Now,
	})
	require.NoError(t, err)
	defer r.Close()

	rec, c := securityFault("CSRF token mismatch password=hunter2")
	rec.Attributes = map[string]any{"user_agent": "test-agent", "url": "https://editor.example.com/save"}

	inc, err := r.Respond(context.Background(), rec, c)
	require.NoError(t, err)

	assert.Regexp(t, `^SEC-[0-9a-z]+-[0-9a-z]{6}$`, inc.ID)
	assert.Equal(t, "security", inc.Severity)
	assert.Equal(t, rec.ID, inc.Fault.ID)
	assert.Equal(t, "CSRF token mismatch password=[REDACTED]", inc.Fault.Message)
	assert.Equal(t, "test-agent", inc.UserAgent)
	assert.Equal(t, "session_1", inc.SessionID)
	assert.Contains(t, inc.Actions, ActionInvalidateSession)

	stored, err := r.Incidents().All()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, inc.ID, stored[0].ID)

	keys, err := kv.Keys("")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"diagram_1", stores.KeySecurityIncidents}, keys)
	assert.Empty(t, jar.Cookies(u))

	assert.True(t, r.Gate().NetworkSuspended())
	assert.True(t, r.Gate().FormsSuspended())
	network, _ := r.Gate().Until()
	assert.Equal(t, clock.Now().Add(DefaultSuspension).UTC(), network.UTC())

	_, ok := elements.Get("payload")
	assert.False(t, ok)
	_, ok = elements.Get("toolbar")
	assert.True(t, ok)

	require.Len(t, notifier.modals, 1)
	assert.Equal(t, notify.LevelSecurity, notifier.modals[0].level)
	assert.Equal(t, []string{"acknowledge"}, notifier.modals[0].actions)
	assert.Equal(t, []int{1}, notifier.seen)
}

func TestRespondWithoutCSRFKeepsSession(t *testing.T) {
	kv := newTestKV(t)
	require.NoError(t, kv.Put("session_token", []byte("1")))

	r, err := NewResponder(context.Background(), DefaultConfig(), Options{KV: kv, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer r.Close()

	rec, c := securityFault("XSS attempt: <img onerror=alert(1)>")
	inc, err := r.Respond(context.Background(), rec, c)
	require.NoError(t, err)
	assert.NotContains(t, inc.Actions, ActionInvalidateSession)

	_, err = kv.Get("session_token")
	assert.NoError(t, err)
}

func TestIncidentRingCapped(t *testing.T) {
	kv := newTestKV(t)
	ring := NewRing(kv, 0)
	base := time.Unix(1700000000, 0).UTC()

	for i := 0; i < 55; i++ {
		require.NoError(t, ring.Push(Incident{ID: fmt.Sprintf("SEC-%d", i), Timestamp: base.Add(time.Duration(i) * time.Second)}))
	}

	all, err := ring.All()
	require.NoError(t, err)
	require.Len(t, all, DefaultRingCapacity)
	assert.Equal(t, "SEC-5", all[0].ID)

	recent, err := ring.Recent(3)
	require.NoError(t, err)
	assert.Equal(t, []string{"SEC-54", "SEC-53", "SEC-52"}, []string{recent[0].ID, recent[1].ID, recent[2].ID})

	since, err := ring.Since(base.Add(50 * time.Second))
	require.NoError(t, err)
	assert.Len(t, since, 5)
}

func TestHTTPSinkDelivers(t *testing.T) {
	received := make(chan Incident, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var inc Incident
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&inc))
		received <- inc
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.SinkURL = srv.URL
	r, err := NewResponder(context.Background(), cfg, Options{KV: newTestKV(t), Logger: zerolog.Nop()})
	require.NoError(t, err)

	rec, c := securityFault("script injection detected")
	inc, err := r.Respond(context.Background(), rec, c)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	select {
	case got := <-received:
		assert.Equal(t, inc.ID, got.ID)
	default:
		t.Fatal("sink did not receive incident")
	}
}

func TestHTTPSinkErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewHTTPSink(srv.URL, nil).Send(context.Background(), Incident{ID: "SEC-1"})
	assert.ErrorContains(t, err, "500")
}

func TestReportHealth(t *testing.T) {
	assert.Equal(t, HealthExcellent, AssessHealth(0))
	assert.Equal(t, HealthGood, AssessHealth(2))
	assert.Equal(t, HealthFair, AssessHealth(3))
	assert.Equal(t, HealthPoor, AssessHealth(6))

	kv := newTestKV(t)
	clock := newFakeClock()
	r, err := NewResponder(context.Background(), DefaultConfig(), Options{KV: kv, Logger: zerolog.Nop(), Clock: clock.Now})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Incidents().Push(Incident{ID: "SEC-old", Timestamp: clock.Now().Add(-48 * time.Hour).UTC()}))
	rec, c := securityFault("xss")
	_, err = r.Respond(context.Background(), rec, c)
	require.NoError(t, err)

	report, err := r.Report()
	require.NoError(t, err)
	assert.Equal(t, 2, report.TotalIncidents)
	assert.Equal(t, 1, report.Last24h)
	assert.Equal(t, HealthGood, report.Health)
	assert.True(t, report.NetworkBlocked)
	require.NotEmpty(t, report.Recent)
	assert.NotEqual(t, "SEC-old", report.Recent[0].ID)
}

func TestSessionIgnoresProtectedPrefixes(t *testing.T) {
	kv := newTestKV(t)
	require.NoError(t, kv.Put(stores.KeySecurityIncidents, []byte("[]")))
	require.NoError(t, kv.Put("sess", []byte("1")))

	s := NewKVSession(kv, []string{"se", "sess"}, nil, zerolog.Nop())
	require.NoError(t, s.Invalidate(context.Background()))

	keys, err := kv.Keys("")
	require.NoError(t, err)
	assert.Equal(t, []string{stores.KeySecurityIncidents}, keys)
}
