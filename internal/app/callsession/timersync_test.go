package callsession

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/callsync/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestBillingTimerAccumulatesAcrossPauses(t *testing.T) {
	clk := clock.NewMock()
	b := NewBillingTimer(clk)

	b.Resume()
	clk.Add(3 * time.Second)
	b.Pause()
	clk.Add(10 * time.Second)
	assert.Equal(t, 3*time.Second, b.Elapsed())

	b.Resume()
	b.Resume()
	clk.Add(2 * time.Second)
	assert.True(t, b.Running())
	assert.Equal(t, 5*time.Second, b.Elapsed())
}

func TestTimerSyncStartsOnlyWhenBothReady(t *testing.T) {
	ts := NewTimerSync(NewBillingTimer(clock.NewMock()))

	started, reply := ts.MarkRemoteReady(domain.ReadyPayload{Round: 1})
	assert.False(t, started)
	assert.False(t, reply, "no ack before local readiness")

	changed, started := ts.MarkLocalReady()
	assert.True(t, changed)
	assert.True(t, started)
	assert.True(t, ts.Readiness().TimerStarted)
	assert.True(t, ts.Billing().Running())

	changed, started = ts.MarkLocalReady()
	assert.False(t, changed)
	assert.False(t, started)
	started, _ = ts.MarkRemoteReady(domain.ReadyPayload{Round: 1})
	assert.False(t, started, "second start is a no-op")
}

func TestTimerSyncAcksOncePerRound(t *testing.T) {
	ts := NewTimerSync(NewBillingTimer(clock.NewMock()))
	ts.MarkLocalReady()

	_, reply := ts.MarkRemoteReady(domain.ReadyPayload{Round: 1})
	assert.True(t, reply)
	_, reply = ts.MarkRemoteReady(domain.ReadyPayload{Round: 1})
	assert.False(t, reply)
	_, reply = ts.MarkRemoteReady(domain.ReadyPayload{Round: 1, Ack: true})
	assert.False(t, reply)

	ts.Reset(2)
	ts.MarkLocalReady()
	_, reply = ts.MarkRemoteReady(domain.ReadyPayload{Round: 2})
	assert.True(t, reply, "reset opens a new round")
}

func TestTimerSyncResetKeepsBilledTime(t *testing.T) {
	clk := clock.NewMock()
	ts := NewTimerSync(NewBillingTimer(clk))
	ts.MarkLocalReady()
	ts.MarkRemoteReady(domain.ReadyPayload{Round: 1})
	clk.Add(7 * time.Second)

	ts.Reset(2)
	assert.Equal(t, domain.TimerReadiness{}, ts.Readiness())
	assert.False(t, ts.Billing().Running())
	assert.Equal(t, 7*time.Second, ts.Billing().Elapsed())

	started, _ := ts.MarkRemoteReady(domain.ReadyPayload{Round: 1})
	assert.False(t, started)
	assert.False(t, ts.Readiness().RemoteReady, "stale round ignored")

	ts.MarkRemoteReady(domain.ReadyPayload{Round: 0})
	assert.True(t, ts.Readiness().RemoteReady, "untagged ready always counts")
}
