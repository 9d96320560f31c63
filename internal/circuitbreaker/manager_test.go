package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/goshtasb/xorj-landing-sub001/internal/audit"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fakeClock, *audit.Recorder) {
	t.Helper()
	clock := newFakeClock()
	rec := audit.NewRecorder()
	opts = append([]Option{WithClock(clock.Now), WithAuditSink(rec)}, opts...)
	m, err := New(opts...)
	require.NoError(t, err)
	return m, clock, rec
}

func TestManager_AllCategoriesStartClosed(t *testing.T) {
	m, _, _ := newTestManager(t)

	st := m.SystemStatus()
	assert.True(t, st.TradingAllowed)
	assert.Empty(t, st.BlockReason)
	assert.Equal(t, 7, st.TotalBreakers)
	assert.Empty(t, st.OpenBreakers)
	for _, cat := range Categories() {
		require.Contains(t, st.Breakers, cat)
		assert.Equal(t, StateClosed, st.Breakers[cat].State)
	}
}

func TestManager_TradeFailuresBlockTrading(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	assert.True(t, m.RecordTradeEvent(ctx, false, nil))
	assert.True(t, m.RecordTradeEvent(ctx, false, nil))
	assert.False(t, m.RecordTradeEvent(ctx, false, nil))

	allowed, reason := m.IsTradingAllowed()
	assert.False(t, allowed)
	assert.Equal(t, "Circuit breaker open: trade_failure_rate", reason)
	assert.Equal(t, []Category{TradeFailureRate}, m.OpenBreakers())
}

func TestManager_ReasonFollowsCategoryOrder(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.ForceOpen(ctx, ConfirmationTimeoutRate, "test")
	require.NoError(t, err)
	_, err = m.ForceOpen(ctx, NetworkConnectivity, "test")
	require.NoError(t, err)

	_, reason := m.IsTradingAllowed()
	assert.Equal(t, "Circuit breaker open: network_connectivity", reason)
}

func TestManager_SystemErrorAlwaysFails(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		assert.True(t, m.RecordSystemError(ctx, "db_timeout", nil), "error %d", i)
	}
	assert.False(t, m.RecordSystemError(ctx, "db_timeout", nil))

	b, err := m.Breaker(SystemErrorRate)
	require.NoError(t, err)
	events := b.RecentEvents()
	require.NotEmpty(t, events)
	assert.Equal(t, "system_error_db_timeout", events[0].Label)
	assert.False(t, events[0].Success)
}

func TestManager_VolatilityEvent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	assert.True(t, m.RecordVolatilityEvent(ctx, decimal.NewFromInt(12), nil))
	assert.True(t, m.RecordVolatilityEvent(ctx, decimal.NewFromInt(35), nil))

	b, _ := m.Breaker(MarketVolatility)
	events := b.RecentEvents()
	require.Len(t, events, 2)
	assert.True(t, events[0].Success)
	assert.False(t, events[1].Success)
	assert.Equal(t, true, events[1].Metadata["high_volatility"])

	assert.False(t, m.RecordVolatilityEvent(ctx, decimal.NewFromInt(75), nil))
	assert.Equal(t, StateOpen, b.State())
}

func TestManager_HaltBlocksEveryRecorder(t *testing.T) {
	m, _, rec := newTestManager(t)
	ctx := context.Background()

	m.ActivateSystemHalt(ctx, "maintenance window", 0)

	allowed, reason := m.IsTradingAllowed()
	assert.False(t, allowed)
	assert.Equal(t, "System halt active: maintenance window", reason)
	assert.False(t, m.RecordTradeEvent(ctx, true, nil))
	assert.False(t, m.RecordNetworkEvent(ctx, true, nil))
	assert.False(t, m.RecordHSMEvent(ctx, true, nil))

	ev := rec.Find("system_trading_halt")
	require.NotNil(t, ev)
	assert.Equal(t, audit.SeverityCritical, ev.Severity)
	assert.Equal(t, SourceOperator, ev.Payload["source"])

	// Breakers themselves are untouched by the halt.
	b, _ := m.Breaker(TradeFailureRate)
	assert.Equal(t, StateClosed, b.State())

	assert.True(t, m.DeactivateSystemHalt(ctx, "done"))
	assert.False(t, m.DeactivateSystemHalt(ctx, "again"))
	allowed, _ = m.IsTradingAllowed()
	assert.True(t, allowed)
	assert.NotNil(t, rec.Find("system_trading_halt_deactivated"))
}

func TestManager_HaltExpires(t *testing.T) {
	m, _, rec := newTestManager(t)
	ctx := context.Background()

	m.ActivateSystemHalt(ctx, "short", 20*time.Millisecond)
	st := m.HaltState()
	require.True(t, st.Active)
	require.NotNil(t, st.ExpiresAt)

	assert.Eventually(t, func() bool { return !m.HaltActive() }, 2*time.Second, 5*time.Millisecond)
	ev := rec.Find("system_trading_halt_deactivated")
	require.NotNil(t, ev)
	assert.Contains(t, ev.Payload["reason"], "automatic_after_")
}

func TestManager_ReplacedHaltIgnoresOldTimer(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	m.ActivateSystemHalt(ctx, "short", 20*time.Millisecond)
	m.ActivateSystemHalt(ctx, "indefinite", 0)

	time.Sleep(60 * time.Millisecond)
	st := m.HaltState()
	assert.True(t, st.Active)
	assert.Equal(t, "indefinite", st.Reason)
}

func TestManager_LiftHaltChecksSource(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	m.ActivateSystemHalt(ctx, "operator halt", 0)
	assert.False(t, m.LiftHalt(ctx, SourceKillSwitch, "kill switch cleared"))
	assert.True(t, m.HaltActive())

	m.Halt(ctx, SourceKillSwitch, "kill switch", 0)
	assert.True(t, m.LiftHalt(ctx, SourceKillSwitch, "kill switch cleared"))
	assert.False(t, m.HaltActive())
}

func TestManager_ForceOpenClose(t *testing.T) {
	m, _, rec := newTestManager(t)
	ctx := context.Background()

	changed, err := m.ForceOpen(ctx, SlippageRate, "investigating")
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, rec.Find("circuit_breaker_force_opened"))

	changed, err = m.ForceOpen(ctx, SlippageRate, "again")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = m.ForceClose(ctx, SlippageRate, "resolved")
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, rec.Find("circuit_breaker_force_closed"))

	_, err = m.ForceOpen(ctx, Category("bogus"), "x")
	assert.ErrorIs(t, err, ErrUnknownCategory)
}

func TestManager_CheckRecovery(t *testing.T) {
	m, clock, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		m.RecordNetworkEvent(ctx, false, nil)
	}
	b, _ := m.Breaker(NetworkConnectivity)
	require.Equal(t, StateOpen, b.State())

	m.CheckRecovery(ctx)
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(15 * time.Minute)
	m.CheckRecovery(ctx)
	assert.Equal(t, StateHalfOpen, b.State())

	st := m.SystemStatus()
	assert.Equal(t, []Category{NetworkConnectivity}, st.HalfOpenBreakers)
	assert.True(t, st.TradingAllowed)
}

func TestManager_RecoveryLoop(t *testing.T) {
	m, clock, _ := newTestManager(t, WithRecoveryInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 2; i++ {
		m.RecordHSMEvent(ctx, false, nil)
	}
	clock.Advance(time.Hour)

	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	b, _ := m.Breaker(HSMFailureRate)
	assert.Eventually(t, func() bool { return b.State() == StateHalfOpen }, 2*time.Second, 5*time.Millisecond)

	m.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recovery loop did not stop")
	}
	assert.False(t, m.Running())
}

func TestManager_StopBeforeStartIsIgnored(t *testing.T) {
	m, _, _ := newTestManager(t, WithRecoveryInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Stop()

	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()
	require.Eventually(t, m.Running, time.Second, time.Millisecond)

	select {
	case <-done:
		t.Fatal("recovery loop exited on a Stop issued before Start")
	case <-time.After(30 * time.Millisecond):
	}
	assert.True(t, m.Running())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recovery loop did not stop")
	}
}

func TestManager_TransitionCallback(t *testing.T) {
	m, _, _ := newTestManager(t)
	got := make(chan Category, 1)
	m.OnTransition(func(cat Category, _, to State, _ string) {
		if to == StateOpen {
			got <- cat
		}
	})

	_, err := m.ForceOpen(context.Background(), HSMFailureRate, "test")
	require.NoError(t, err)

	select {
	case cat := <-got:
		assert.Equal(t, HSMFailureRate, cat)
	case <-time.After(time.Second):
		t.Fatal("transition callback not invoked")
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfigs()[0]
	cfg.FailureThreshold = 0
	_, err := New(WithConfigs(cfg))
	assert.Error(t, err)
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory("hsm_failure_rate")
	require.NoError(t, err)
	assert.Equal(t, HSMFailureRate, c)

	_, err = ParseCategory("nope")
	assert.ErrorIs(t, err, ErrUnknownCategory)
}
