package killswitch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goshtasb/xorj-landing-sub001/internal/audit"
	"github.com/goshtasb/xorj-landing-sub001/internal/circuitbreaker"
	"github.com/goshtasb/xorj-landing-sub001/internal/logging"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	masterSecret    = "master-secret-0001"
	emergencySecret = "emergency-secret-0002"
	adminSecret     = "admin-secret-0003"
)

type fakeDrainer struct {
	mu      sync.Mutex
	active  int
	drained []string
}

func (d *fakeDrainer) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *fakeDrainer) ForceCompleteAll(_ context.Context, reason string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.active
	d.active = 0
	d.drained = append(d.drained, reason)
	return n
}

type fixture struct {
	ks      *Switch
	manager *circuitbreaker.Manager
	drainer *fakeDrainer
	audit   *audit.Recorder
	store   *MemoryEventStore
}

func testRing(t *testing.T) *KeyRing {
	t.Helper()
	ring, err := keysFrom(func(k string) string {
		return map[string]string{
			"KILL_SWITCH_MASTER_KEY":    masterSecret,
			"KILL_SWITCH_EMERGENCY_KEY": emergencySecret,
			"KILL_SWITCH_ADMIN_KEYS":    adminSecret + ", ",
		}[k]
	})
	require.NoError(t, err)
	return ring
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ring := testRing(t)

	mgr, err := circuitbreaker.New(circuitbreaker.WithLogger(logging.Discard()))
	require.NoError(t, err)

	f := &fixture{
		manager: mgr,
		drainer: &fakeDrainer{active: 2},
		audit:   audit.NewRecorder(),
		store:   NewMemoryEventStore(),
	}
	f.ks = New(
		WithKeys(ring),
		WithHalter(mgr),
		WithDrainer(f.drainer),
		WithAuditSink(f.audit),
		WithEventStore(f.store),
		WithLogger(logging.Discard()),
		WithEnvironment("test"),
	)
	t.Cleanup(f.ks.Close)
	return f
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestActivate_FlipsStateBeforePropagation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ks.Activate(ctx, "manual stop", MethodManualAPI, "ops", ""))
	assert.True(t, f.ks.IsActive())
	assert.Equal(t, StateTriggered, f.ks.State())

	f.ks.Close()

	halt := f.manager.HaltState()
	assert.True(t, halt.Active)
	assert.Equal(t, circuitbreaker.SourceKillSwitch, halt.Source)
	assert.Equal(t, "Global kill switch: manual stop", halt.Reason)
	assert.Zero(t, f.drainer.ActiveCount())

	events := f.ks.Events(0)
	require.Len(t, events, 1)
	assert.Equal(t, EventActivated, events[0].Type)
	assert.Equal(t, MethodManualAPI, events[0].Method)
	assert.True(t, events[0].VerifyIntegrity())
	assert.Equal(t, 2, events[0].SystemState["active_transactions"])

	stored, err := f.store.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
	assert.NotNil(t, f.audit.Find("global_kill_switch_activated"))

	st := f.ks.Status()
	assert.True(t, st.Active)
	assert.Equal(t, "ops", st.TriggeredBy)
	assert.Equal(t, 3, st.AuthorizedKeys)
	require.NotNil(t, st.LastEvent)
}

func TestActivate_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := counterValue(t, unauthorizedTotal)

	err := f.ks.Activate(ctx, "stop", MethodManualAPI, "ops", "wrong-key")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, f.ks.IsActive())
	assert.Equal(t, before+1, counterValue(t, unauthorizedTotal))

	// Admin keys can only deactivate.
	err = f.ks.Activate(ctx, "stop", MethodManualAPI, "ops", adminSecret)
	assert.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, f.ks.Activate(ctx, "stop", MethodManualAPI, "ops", masterSecret))
	assert.ErrorIs(t, f.ks.Activate(ctx, "again", MethodManualAPI, "ops", ""), ErrAlreadyTriggered)
	assert.False(t, f.ks.Trigger(ctx, "again", MethodAutomatic, "system"))
}

func TestDeactivate_RequiresKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.ks.Trigger(ctx, "stop", MethodAutomatic, "system"))

	err := f.ks.Deactivate(ctx, DeactivateRequest{Reason: "resume", UserID: "ops"})
	assert.ErrorIs(t, err, ErrUnauthorized)
	err = f.ks.Deactivate(ctx, DeactivateRequest{Reason: "resume", Key: "nope", UserID: "ops"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.Equal(t, StateTriggered, f.ks.State())
	assert.NotNil(t, f.audit.Find("kill_switch_unauthorized_access"))
}

func TestDeactivate_Rearms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.ks.Trigger(ctx, "stop", MethodAutomatic, "system"))

	require.NoError(t, f.ks.Deactivate(ctx, DeactivateRequest{Reason: "resolved", Key: adminSecret, UserID: "ops"}))
	assert.Equal(t, StateArmed, f.ks.State())
	assert.False(t, f.ks.IsActive())

	allowed, reason := f.manager.IsTradingAllowed()
	assert.True(t, allowed, reason)

	ev := f.ks.Events(1)[0]
	assert.Equal(t, EventDeactivated, ev.Type)
	assert.Equal(t, "admin_1", ev.KeyID)
	assert.NotNil(t, f.audit.Find("global_kill_switch_deactivated"))

	assert.ErrorIs(t, f.ks.Deactivate(ctx, DeactivateRequest{Key: adminSecret}), ErrNotTriggered)
}

func TestDeactivate_BadKeyWhileArmedIsRecorded(t *testing.T) {
	f := newFixture(t)
	before := counterValue(t, unauthorizedTotal)

	err := f.ks.Deactivate(context.Background(), DeactivateRequest{Reason: "resume", Key: "guess-0123456789", UserID: "mallory"})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, before+1, counterValue(t, unauthorizedTotal))

	events := f.ks.Events(0)
	require.Len(t, events, 1)
	assert.Equal(t, EventUnauthorizedAttempt, events[0].Type)
	assert.Equal(t, "mallory", events[0].UserID)
	assert.Equal(t, StateArmed, f.ks.State())
}

func TestUnauthorized_RecordsNothingFromTheSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.ks.Trigger(ctx, "stop", MethodAutomatic, "system"))
	f.ks.Close()

	const secret = "hunter2"
	assert.ErrorIs(t, f.ks.Deactivate(ctx, DeactivateRequest{Key: secret, UserID: "ops"}), ErrUnauthorized)
	assert.ErrorIs(t, f.ks.EnterMaintenance(ctx, "x", masterSecret[:10], "ops"), ErrUnauthorized)
	f.ks.Close()

	for _, ev := range f.ks.Events(0) {
		assert.Empty(t, ev.KeyID)
		b, err := json.Marshal(ev)
		require.NoError(t, err)
		assert.NotContains(t, string(b), secret)
		assert.NotContains(t, string(b), masterSecret[:8])
	}
	stored, err := f.store.Recent(ctx, 0)
	require.NoError(t, err)
	for _, ev := range stored {
		assert.Empty(t, ev.KeyID)
	}
	for _, ev := range f.audit.Events() {
		for _, v := range ev.Payload {
			assert.NotEqual(t, secret, v)
		}
	}
}

// gatedHalter blocks the next SystemStatus call until released.
type gatedHalter struct {
	*circuitbreaker.Manager
	block   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (h *gatedHalter) SystemStatus() circuitbreaker.SystemStatus {
	if h.block.CompareAndSwap(true, false) {
		h.entered <- struct{}{}
		<-h.release
	}
	return h.Manager.SystemStatus()
}

func TestTrigger_DuringRecoverySupersedesIt(t *testing.T) {
	mgr, err := circuitbreaker.New(circuitbreaker.WithLogger(logging.Discard()))
	require.NoError(t, err)
	h := &gatedHalter{Manager: mgr, entered: make(chan struct{}), release: make(chan struct{})}
	ks := New(
		WithKeys(testRing(t)),
		WithHalter(h),
		WithDrainer(&fakeDrainer{}),
		WithLogger(logging.Discard()),
	)
	t.Cleanup(ks.Close)
	ctx := context.Background()

	require.True(t, ks.Trigger(ctx, "first incident", MethodAutomatic, "system"))
	ks.Close()

	h.block.Store(true)
	errc := make(chan error, 1)
	go func() {
		errc <- ks.Deactivate(ctx, DeactivateRequest{Reason: "resolved", Key: masterSecret, UserID: "ops"})
	}()
	<-h.entered
	assert.Equal(t, StateRecoveryPending, ks.State())

	assert.True(t, ks.Trigger(ctx, "second incident", MethodEmergencyOverride, "system"))
	assert.Equal(t, StateTriggered, ks.State())
	close(h.release)

	assert.ErrorIs(t, <-errc, ErrRetriggered)
	ks.Close()

	assert.Equal(t, StateTriggered, ks.State())
	assert.True(t, ks.IsActive())
	assert.Equal(t, "second incident", ks.Status().Reason)
	allowed, _ := mgr.IsTradingAllowed()
	assert.False(t, allowed)
	assert.Equal(t, circuitbreaker.SourceKillSwitch, mgr.HaltState().Source)
}

func TestDeactivate_SafetyCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.ks.Trigger(ctx, "stop", MethodAutomatic, "system"))

	_, err := f.manager.ForceOpen(ctx, circuitbreaker.NetworkConnectivity, "rpc down")
	require.NoError(t, err)

	err = f.ks.Deactivate(ctx, DeactivateRequest{Reason: "resume", Key: adminSecret})
	assert.ErrorIs(t, err, ErrUnsafe)
	assert.Contains(t, err.Error(), "network_connectivity")
	assert.Equal(t, StateTriggered, f.ks.State())

	// The emergency key skips the check.
	require.NoError(t, f.ks.Deactivate(ctx, DeactivateRequest{Reason: "override", Key: emergencySecret}))
	assert.Equal(t, StateArmed, f.ks.State())
}

func TestSafetyCheck_ForeignHaltBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.ks.Trigger(ctx, "stop", MethodAutomatic, "system"))
	f.ks.Close()

	safe, reasons := f.ks.SafetyCheck()
	assert.True(t, safe, reasons)

	f.manager.Halt(ctx, circuitbreaker.SourceOperator, "exchange outage", 0)
	safe, reasons = f.ks.SafetyCheck()
	assert.False(t, safe)
	assert.Equal(t, []string{"System halt active: exchange outage"}, reasons)

	require.NoError(t, f.ks.Deactivate(ctx, DeactivateRequest{Reason: "forced", Key: masterSecret, Force: true}))
	// Someone else's halt survives the re-arm.
	assert.True(t, f.manager.HaltActive())
}

func TestSafetyCheck_ActiveMonitors(t *testing.T) {
	f := newFixture(t)
	safe, reasons := f.ks.SafetyCheck()
	assert.False(t, safe)
	assert.Equal(t, []string{"Active transaction monitors: 2"}, reasons)
}

func TestMaintenance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.ks.EnterMaintenance(ctx, "upgrade", adminSecret, "ops"), ErrUnauthorized)

	require.NoError(t, f.ks.EnterMaintenance(ctx, "upgrade", masterSecret, "ops"))
	assert.Equal(t, StateMaintenance, f.ks.State())
	assert.True(t, f.ks.TradingHalted())
	assert.False(t, f.ks.IsActive())
	assert.True(t, f.manager.HaltActive())

	assert.ErrorIs(t, f.ks.EnterMaintenance(ctx, "again", masterSecret, "ops"), ErrInvalidTransition)

	require.NoError(t, f.ks.EndMaintenance(ctx, "done", masterSecret, "ops"))
	assert.Equal(t, StateArmed, f.ks.State())
	assert.False(t, f.manager.HaltActive())

	types := []string{}
	for _, ev := range f.ks.Events(0) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{EventUnauthorizedAttempt, EventMaintenanceStarted, EventMaintenanceEnded}, types)
}

func TestScheduledMaintenance_EndsAutomatically(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ks.ScheduledMaintenance(context.Background(), "nightly", 20*time.Millisecond))
	assert.Equal(t, StateMaintenance, f.ks.State())

	assert.Eventually(t, func() bool { return f.ks.State() == StateArmed }, time.Second, 5*time.Millisecond)
}

func TestTriggerDuringMaintenance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ks.ScheduledMaintenance(ctx, "nightly", time.Hour))

	require.True(t, f.ks.Trigger(ctx, "incident", MethodAutomatic, "system"))
	assert.Equal(t, StateTriggered, f.ks.State())
}

func TestVerifyLog_DetectsTampering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.ks.Trigger(ctx, "stop", MethodAutomatic, "system"))
	f.ks.Close()
	require.NoError(t, f.ks.Deactivate(ctx, DeactivateRequest{Reason: "ok", Key: masterSecret}))
	assert.Equal(t, -1, f.ks.VerifyLog())

	f.ks.mu.Lock()
	f.ks.events[1].Reason = "nothing happened"
	f.ks.mu.Unlock()
	assert.Equal(t, 1, f.ks.VerifyLog())
}

func TestVerifyLog_DetectsDeletedEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.ks.Trigger(ctx, "stop", MethodAutomatic, "system"))
	f.ks.Close()
	require.NoError(t, f.ks.Deactivate(ctx, DeactivateRequest{Reason: "ok", Key: masterSecret}))
	require.NoError(t, f.ks.EnterMaintenance(ctx, "upgrade", masterSecret, "ops"))

	events := f.ks.Events(0)
	require.Len(t, events, 3)
	assert.Empty(t, events[0].PrevHash)
	assert.Equal(t, events[0].Hash, events[1].PrevHash)
	assert.Equal(t, -1, f.ks.VerifyLog())

	f.ks.mu.Lock()
	f.ks.events = append(f.ks.events[:1:1], f.ks.events[2])
	f.ks.mu.Unlock()
	assert.Equal(t, 1, f.ks.VerifyLog())

	// A trailing window still verifies.
	assert.Equal(t, -1, VerifyChain(events[1:]))
}

func TestEventHash_SurvivesJSONRoundTrip(t *testing.T) {
	ev := newEvent("kill_1", time.Now(), EventActivated, MethodManualAPI, "ops", "stop", "master",
		map[string]any{"active_transactions": 3, "open": []string{"a", "b"}}).seal("")

	b, err := json.Marshal(ev)
	require.NoError(t, err)
	var back Event
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, back.VerifyIntegrity())
}

func TestCheckSources_Environment(t *testing.T) {
	f := newFixture(t)
	cfg := WatchConfig{
		File:   filepath.Join(t.TempDir(), "kill"),
		Getenv: func(string) string { return "Yes" },
	}
	f.ks.CheckSources(context.Background(), cfg)

	st := f.ks.Status()
	assert.True(t, st.Active)
	assert.Equal(t, MethodEnvironment, st.Method)
}

func TestCheckSources_File(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "kill")
	cfg := WatchConfig{File: path, Getenv: func(string) string { return "" }}

	f.ks.CheckSources(context.Background(), cfg)
	assert.False(t, f.ks.IsActive())

	require.NoError(t, os.WriteFile(path, []byte("disk full\n"), 0o600))
	f.ks.CheckSources(context.Background(), cfg)

	st := f.ks.Status()
	assert.True(t, st.Active)
	assert.Equal(t, MethodExternalSignal, st.Method)
	assert.Equal(t, "Kill file detected: disk full", st.Reason)
}

func TestWatch_DetectsFile(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "kill")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- f.ks.Watch(ctx, WatchConfig{File: path, PollInterval: 20 * time.Millisecond, Getenv: func(string) string { return "" }})
	}()
	require.Eventually(t, f.ks.Watching, time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(path, nil, 0o600))
	assert.Eventually(t, f.ks.IsActive, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Kill file detected: Kill switch file detected", f.ks.Status().Reason)

	cancel()
	assert.NoError(t, <-done)
}

func TestScheduleMaintenance_InvalidSpec(t *testing.T) {
	f := newFixture(t)
	_, err := f.ks.ScheduleMaintenance(context.Background(), "not a cron", time.Minute)
	assert.Error(t, err)

	c, err := f.ks.ScheduleMaintenance(context.Background(), "0 3 * * *", time.Minute)
	require.NoError(t, err)
	<-c.Stop().Done()
}
