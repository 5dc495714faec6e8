package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/pkg/api"
	"github.com/relaydev/relay/pkg/batch"
	"github.com/relaydev/relay/pkg/creds"
	"github.com/relaydev/relay/pkg/event"
	"github.com/relaydev/relay/pkg/identity"
)

// newSyncServer serves the auth endpoints plus a dedup-by-event-id
// batch endpoint, the minimum surface a runtime needs end to end.
func newSyncServer(t *testing.T) *httptest.Server {
	t.Helper()
	seen := map[string]bool{}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": "acc-1", "refresh_token": "ref-1"})
	})
	mux.HandleFunc("/token/refresh", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": "acc-2"})
	})
	mux.HandleFunc("/events/batch", func(w http.ResponseWriter, r *http.Request) {
		events, err := api.DecodeBatch(r.Body)
		require.NoError(t, err)
		var results []api.BatchResult
		for _, raw := range events {
			var e struct {
				EventID string `json:"event_id"`
			}
			require.NoError(t, json.Unmarshal(raw, &e))
			status := api.VerdictSuccess
			if seen[e.EventID] {
				status = api.VerdictDuplicate
			}
			seen[e.EventID] = true
			results = append(results, api.BatchResult{EventID: e.EventID, Status: status})
		}
		json.NewEncoder(w).Encode(api.BatchResponse{Results: results})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// newTestRuntime builds a runtime with background loops disabled so
// tests drive every transition explicitly.
func newTestRuntime(t *testing.T, root, serverURL string) *Runtime {
	t.Helper()
	r := New(Config{
		Root:            root,
		ServerURL:       serverURL,
		CredsPath:       filepath.Join(root, "credentials.toml"),
		FlushInterval:   -1,
		DisableRealtime: true,
	})
	t.Cleanup(func() { r.Stop() })
	return r
}

func login(t *testing.T, r *Runtime) {
	t.Helper()
	cm, err := r.Creds()
	require.NoError(t, err)
	_, err = cm.Login(context.Background(), "alice", "s3cret")
	require.NoError(t, err)
}

func TestStartIsLazyAndIdempotent(t *testing.T) {
	root := t.TempDir()
	r := newTestRuntime(t, root, "http://127.0.0.1:1")

	// Construction alone touches nothing.
	if _, err := os.Stat(identity.Path(root)); !os.IsNotExist(err) {
		t.Fatal("identity file created before first use")
	}

	require.NoError(t, r.Start())
	require.NoError(t, r.Start(), "second start is a no-op")

	_, err := os.Stat(identity.Path(root))
	require.NoError(t, err, "identity persisted at start")

	id1, err := r.Identity()
	require.NoError(t, err)
	id2, err := r.Identity()
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestEmitIsDurableAcrossRestart(t *testing.T) {
	root := t.TempDir()

	r1 := newTestRuntime(t, root, "http://127.0.0.1:1")
	e1, err := r1.Emit(event.TypeStatusChange, "wp-1", "work_package",
		map[string]any{"status": "CLAIMED"})
	require.NoError(t, err)
	e2, err := r1.Emit(event.TypeWorkPackageNote, "wp-1", "work_package",
		map[string]any{"note": "halfway there"})
	require.NoError(t, err)
	assert.Greater(t, e2.LamportClock, e1.LamportClock)
	require.NoError(t, r1.Stop())

	r2 := newTestRuntime(t, root, "http://127.0.0.1:1")
	q, err := r2.Queue()
	require.NoError(t, err)
	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 2, depth, "queued events survive process restart")

	// The clock must not reuse timestamps after restart.
	e3, err := r2.Emit(event.TypeStatusChange, "wp-1", "work_package",
		map[string]any{"status": "IN_PROGRESS"})
	require.NoError(t, err)
	assert.Greater(t, e3.LamportClock, e2.LamportClock)
}

func TestEmitThenSyncDrainsQueue(t *testing.T) {
	srv := newSyncServer(t)
	r := newTestRuntime(t, t.TempDir(), srv.URL)
	login(t, r)

	for i := 0; i < 3; i++ {
		_, err := r.Emit(event.TypeStatusChange, "wp-1", "work_package",
			map[string]any{"status": "DONE"})
		require.NoError(t, err)
	}

	report, err := r.SyncNow(context.Background(), batch.Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Synced)
	assert.Equal(t, 0, report.Pending)

	q, err := r.Queue()
	require.NoError(t, err)
	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestSyncOfflineLeavesQueueIntact(t *testing.T) {
	// Log in against a live server, then point the runtime at a dead
	// address with the same credential file: valid access token, no
	// connectivity.
	srv := newSyncServer(t)
	root := t.TempDir()
	credsPath := filepath.Join(root, "credentials.toml")
	cm := creds.NewManager(credsPath, api.NewClient(srv.URL))
	_, err := cm.Login(context.Background(), "alice", "s3cret")
	require.NoError(t, err)

	r := newTestRuntime(t, root, "http://127.0.0.1:1")
	for i := 0; i < 2; i++ {
		_, err := r.Emit(event.TypeStatusChange, "wp-1", "work_package",
			map[string]any{"status": "BLOCKED"})
		require.NoError(t, err)
	}

	report, err := r.SyncNow(context.Background(), batch.Options{})
	require.NoError(t, err, "being offline is a state, not an error")
	assert.True(t, report.Offline)
	assert.Equal(t, 2, report.Pending)
	assert.Zero(t, report.Synced)
}

func TestSyncWithoutLoginRequiresAuth(t *testing.T) {
	r := newTestRuntime(t, t.TempDir(), "http://127.0.0.1:1")
	_, err := r.Emit(event.TypeStatusChange, "wp-1", "work_package",
		map[string]any{"status": "PLANNED"})
	require.NoError(t, err, "emitting never requires login")

	_, err = r.SyncNow(context.Background(), batch.Options{})
	assert.ErrorIs(t, err, creds.ErrLoggedOut)
}

func TestStatusReportsLocalState(t *testing.T) {
	srv := newSyncServer(t)
	r := newTestRuntime(t, t.TempDir(), srv.URL)

	st, err := r.Status()
	require.NoError(t, err)
	assert.Equal(t, "logged-out", st.Auth)
	assert.Equal(t, "disconnected", st.Realtime)
	assert.Equal(t, srv.URL, st.ServerURL)
	assert.Equal(t, 0, st.Queue.Depth)
	assert.NotEmpty(t, st.Identity.NodeID)

	login(t, r)
	_, err = r.Emit(event.TypeWorkPackageNote, "wp-2", "work_package",
		map[string]any{"note": "n"})
	require.NoError(t, err)

	st, err = r.Status()
	require.NoError(t, err)
	assert.Equal(t, "logged-in", st.Auth)
	assert.Equal(t, 1, st.Queue.Depth)
	assert.Greater(t, st.Clock, int64(0))
}

func TestRemoteEventsAdvanceClock(t *testing.T) {
	var got []*event.Event
	root := t.TempDir()
	r := New(Config{
		Root:            root,
		ServerURL:       "http://127.0.0.1:1",
		CredsPath:       filepath.Join(root, "credentials.toml"),
		FlushInterval:   -1,
		DisableRealtime: true,
		OnRemoteEvent:   func(e *event.Event) { got = append(got, e) },
	})
	t.Cleanup(func() { r.Stop() })
	require.NoError(t, r.Start())

	r.handleRemote(&event.Event{EventID: "01REMOTE", LamportClock: 41})
	require.Len(t, got, 1)

	e, err := r.Emit(event.TypeStatusChange, "wp-1", "work_package",
		map[string]any{"status": "FOR_REVIEW"})
	require.NoError(t, err)
	assert.Greater(t, e.LamportClock, int64(41),
		"local events must sort after every observed remote event")
}

func TestBackgroundFlushDrainsQueue(t *testing.T) {
	srv := newSyncServer(t)
	root := t.TempDir()
	r := New(Config{
		Root:            root,
		ServerURL:       srv.URL,
		CredsPath:       filepath.Join(root, "credentials.toml"),
		FlushInterval:   20 * time.Millisecond,
		DisableRealtime: true,
	})
	t.Cleanup(func() { r.Stop() })
	login(t, r)

	_, err := r.Emit(event.TypeStatusChange, "wp-1", "work_package",
		map[string]any{"status": "DONE"})
	require.NoError(t, err)

	q, err := r.Queue()
	require.NoError(t, err)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		depth, err := q.Depth()
		require.NoError(t, err)
		if depth == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("background flush never drained the queue")
}

func TestStopIsIdempotent(t *testing.T) {
	r := New(Config{Root: t.TempDir(), ServerURL: "http://127.0.0.1:1", FlushInterval: -1, DisableRealtime: true})
	require.NoError(t, r.Stop(), "stop before start is a no-op")
	require.NoError(t, r.Start())
	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())
}
