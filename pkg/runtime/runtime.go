// Package runtime assembles the sync engine: identity, clock, durable
// queue, credentials, and the two delivery channels, behind one facade
// the CLI drives.
//
// Construction is cheap and never touches disk or network; the engine
// starts lazily on first use and starting is idempotent. Commands that
// only read local state keep working with no server configured and no
// login — the engine degrades to queue-only operation instead of
// failing.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/relaydev/relay/pkg/api"
	"github.com/relaydev/relay/pkg/batch"
	"github.com/relaydev/relay/pkg/clock"
	"github.com/relaydev/relay/pkg/config"
	"github.com/relaydev/relay/pkg/creds"
	"github.com/relaydev/relay/pkg/event"
	"github.com/relaydev/relay/pkg/identity"
	"github.com/relaydev/relay/pkg/queue"
	"github.com/relaydev/relay/pkg/realtime"
)

// DefaultFlushInterval paces the background queue flush.
const DefaultFlushInterval = 30 * time.Second

// QueueFileName is the queue database file under the project state dir.
const QueueFileName = "queue.db"

// Config wires a Runtime. Zero values get sensible defaults at Start.
type Config struct {
	// Root is the project root directory (identity and queue live in
	// its state subdirectory). Defaults to the working directory.
	Root string

	// ServerURL overrides the configured server endpoint.
	ServerURL string

	// CredsPath overrides the credential store location (tests).
	CredsPath string

	// FlushInterval overrides the background flush pacing. Negative
	// disables the background flusher entirely.
	FlushInterval time.Duration

	// DisableRealtime keeps the websocket channel down; events still
	// queue and batch-sync (tests, CI).
	DisableRealtime bool

	// OnRemoteEvent receives events pushed by the server, after the
	// local clock has observed their timestamps.
	OnRemoteEvent func(e *event.Event)

	// OnSnapshot receives the authoritative state on every realtime
	// (re)connection.
	OnSnapshot func(state json.RawMessage)
}

// Runtime is the long-lived engine instance. One per process.
type Runtime struct {
	cfg Config

	startOnce sync.Once
	startErr  error

	mu       sync.Mutex
	identity identity.Identity
	clk      *clock.Clock
	store    *queue.Store
	factory  *event.Factory
	creds    *creds.Manager
	client   *api.Client
	syncer   *batch.Syncer
	rt       *realtime.Channel

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Status is the operator-facing snapshot of engine state.
type Status struct {
	Identity  identity.Identity `json:"identity"`
	ServerURL string            `json:"server_url"`
	Queue     *queue.Stats      `json:"queue"`
	Clock     int64             `json:"lamport_clock"`
	Auth      string            `json:"auth"`
	Realtime  string            `json:"realtime"`
}

// New builds an unstarted runtime. Nothing is opened until first use.
func New(cfg Config) *Runtime {
	return &Runtime{cfg: cfg}
}

// Start initializes the engine. Safe to call any number of times from
// any goroutine: only the first call does work, and every call returns
// the outcome of that first attempt.
func (r *Runtime) Start() error {
	r.startOnce.Do(func() { r.startErr = r.start() })
	return r.startErr
}

func (r *Runtime) start() error {
	root := r.cfg.Root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("runtime: resolve working directory: %w", err)
		}
		root = wd
	}

	id, err := identity.Ensure(root)
	if err != nil {
		return fmt.Errorf("runtime: identity: %w", err)
	}

	serverURL := r.cfg.ServerURL
	if serverURL == "" {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("runtime: config: %w", err)
		}
		serverURL = cfg.Server.URL
	}

	store, err := queue.Open(filepath.Join(root, identity.Dir, QueueFileName))
	if err != nil {
		return fmt.Errorf("runtime: open queue: %w", err)
	}

	clk := &clock.Clock{}
	seed, err := store.LoadClock(id.NodeID)
	if err != nil {
		store.Close()
		return fmt.Errorf("runtime: load clock: %w", err)
	}
	clk.Set(seed)

	credsPath := r.cfg.CredsPath
	if credsPath == "" {
		credsPath, err = creds.DefaultPath()
		if err != nil {
			store.Close()
			return fmt.Errorf("runtime: credential path: %w", err)
		}
	}

	client := api.NewClient(serverURL)
	cm := creds.NewManager(credsPath, client)

	r.mu.Lock()
	r.identity = id
	r.clk = clk
	r.store = store
	r.creds = cm
	r.client = client
	r.factory = &event.Factory{
		Clock:    clk,
		Identity: id,
		OnTick: func(ts int64) {
			// Best effort: a missed persist is recovered at next start
			// by seeding from the queued events' max timestamp.
			_ = store.SaveClock(id.NodeID, ts)
		},
	}
	r.syncer = &batch.Syncer{Queue: store, Creds: cm, Client: client}
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	if !r.cfg.DisableRealtime && r.loggedIn() {
		rt := realtime.New(realtime.Config{
			URL:        realtime.WSURL(serverURL),
			Creds:      cm,
			OnSnapshot: r.cfg.OnSnapshot,
			OnEvent:    r.handleRemote,
		})
		r.mu.Lock()
		r.rt = rt
		r.mu.Unlock()
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			rt.Run(ctx)
		}()
	}

	flush := r.cfg.FlushInterval
	if flush == 0 {
		flush = DefaultFlushInterval
	}
	if flush > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.flushLoop(ctx, flush)
		}()
	}
	return nil
}

// loggedIn probes for usable credentials without any network traffic.
func (r *Runtime) loggedIn() bool {
	c, err := r.creds.Load()
	if err != nil {
		return false
	}
	return c.RefreshValid(time.Now().UTC())
}

// flushLoop drains the queue in the background whenever work is
// pending. Sync failures are expected while offline and are retried
// on the next tick.
func (r *Runtime) flushLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := r.store.Depth()
			if err != nil || depth == 0 {
				continue
			}
			syncCtx, cancel := context.WithTimeout(ctx, interval)
			_, _ = r.syncer.Sync(syncCtx, batch.Options{})
			cancel()
		}
	}
}

// handleRemote folds a server-pushed event into local state: the clock
// observes the remote timestamp before any consumer sees the event, so
// every subsequent local emit sorts after it.
func (r *Runtime) handleRemote(e *event.Event) {
	ts := r.clk.Observe(e.LamportClock)
	_ = r.store.SaveClock(r.identity.NodeID, ts)
	if r.cfg.OnRemoteEvent != nil {
		r.cfg.OnRemoteEvent(e)
	}
}

// Emit creates an event, persists it to the durable queue, and
// opportunistically pushes it over the realtime channel. The enqueue
// is the operation's durability point: once Emit returns nil the event
// survives crashes and offline periods.
func (r *Runtime) Emit(eventType, aggregateID, aggregateType string, payload map[string]any, opts ...event.Option) (*event.Event, error) {
	if err := r.Start(); err != nil {
		return nil, err
	}

	e, err := r.factory.New(eventType, aggregateID, aggregateType, payload, opts...)
	if err != nil {
		return nil, err
	}
	if err := r.store.Enqueue(e); err != nil {
		return nil, fmt.Errorf("runtime: enqueue: %w", err)
	}

	if rt := r.realtimeChannel(); rt != nil && !e.QueueOnly {
		rt.Push(e)
	}
	return e, nil
}

func (r *Runtime) realtimeChannel() *realtime.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rt
}

// SyncNow runs one blocking batch reconciliation.
func (r *Runtime) SyncNow(ctx context.Context, opts batch.Options) (*batch.Report, error) {
	if err := r.Start(); err != nil {
		return nil, err
	}
	return r.syncer.Sync(ctx, opts)
}

// Status reports queue, auth, and connection state. Local only; never
// touches the network.
func (r *Runtime) Status() (*Status, error) {
	if err := r.Start(); err != nil {
		return nil, err
	}

	stats, err := r.store.Stats()
	if err != nil {
		return nil, fmt.Errorf("runtime: queue stats: %w", err)
	}

	st := &Status{
		Identity:  r.identity,
		ServerURL: r.client.BaseURL,
		Queue:     stats,
		Clock:     r.clk.Value(),
		Auth:      r.authState(),
		Realtime:  realtime.StateDisconnected.String(),
	}
	if rt := r.realtimeChannel(); rt != nil {
		st.Realtime = rt.State().String()
	}
	return st, nil
}

func (r *Runtime) authState() string {
	c, err := r.creds.Load()
	switch {
	case errors.Is(err, creds.ErrLoggedOut):
		return "logged-out"
	case err != nil:
		return "error"
	case !c.RefreshValid(time.Now().UTC()):
		return "login-required"
	default:
		return "logged-in"
	}
}

// Creds exposes the credential manager for the auth commands.
func (r *Runtime) Creds() (*creds.Manager, error) {
	if err := r.Start(); err != nil {
		return nil, err
	}
	return r.creds, nil
}

// Identity returns the started engine's identity.
func (r *Runtime) Identity() (identity.Identity, error) {
	if err := r.Start(); err != nil {
		return identity.Identity{}, err
	}
	return r.identity, nil
}

// Queue exposes the underlying store for diagnostics.
func (r *Runtime) Queue() (queue.Interface, error) {
	if err := r.Start(); err != nil {
		return nil, err
	}
	return r.store, nil
}

// Stop shuts the engine down: background loops exit, the realtime
// connection closes, and the queue database is released. Stop on a
// never-started runtime is a no-op.
func (r *Runtime) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store != nil {
		err := r.store.Close()
		r.store = nil
		return err
	}
	return nil
}
