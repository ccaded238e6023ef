package callsession

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/callsync/internal/core"
	"github.com/dkeye/callsync/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	th := DefaultThresholds()
	cases := []struct {
		name string
		rtt  time.Duration
		loss float64
		want domain.QualityTier
	}{
		{"excellent", 40 * time.Millisecond, 0.005, domain.TierExcellent},
		{"excellent bounds", 50 * time.Millisecond, 0.01, domain.TierExcellent},
		{"good by rtt", 120 * time.Millisecond, 0, domain.TierGood},
		{"good by loss", 20 * time.Millisecond, 0.02, domain.TierGood},
		{"fair", 250 * time.Millisecond, 0.04, domain.TierFair},
		{"poor by rtt", 301 * time.Millisecond, 0, domain.TierPoor},
		{"poor by loss", 10 * time.Millisecond, 0.2, domain.TierPoor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(th, tc.rtt, tc.loss))
		})
	}
}

func TestQualityMonitorEmitsOnChangeOnly(t *testing.T) {
	q := NewQualityMonitor(5*time.Second, DefaultThresholds(), NewScheduler(clock.NewMock()))
	now := time.Now()
	assert.Equal(t, domain.TierUnknown, q.Last())

	s, changed := q.Observe(core.RawStats{RTT: 20 * time.Millisecond, HasRTT: true, PacketsReceived: 100}, nil, now)
	assert.True(t, changed, "first classification always emits")
	assert.Equal(t, domain.TierExcellent, s.Tier)
	assert.InDelta(t, 20.0, s.RTTMs, 0.001)

	_, changed = q.Observe(core.RawStats{RTT: 25 * time.Millisecond, HasRTT: true, PacketsReceived: 200}, nil, now)
	assert.False(t, changed)

	s, changed = q.Observe(core.RawStats{RTT: 25 * time.Millisecond, HasRTT: true, PacketsReceived: 300, PacketsLost: 10}, nil, now)
	assert.True(t, changed)
	assert.Equal(t, domain.TierPoor, s.Tier, "10 of 110 packets lost in the interval")
	assert.InDelta(t, 10.0/110.0, s.PacketLossFraction, 0.0001)

	s, changed = q.Observe(core.RawStats{}, errors.New("stats unavailable"), now)
	assert.True(t, changed)
	assert.Equal(t, domain.TierUnknown, s.Tier)
	assert.Equal(t, domain.TierUnknown, q.Last())
}

func TestQualityMonitorPrefersReportedFraction(t *testing.T) {
	q := NewQualityMonitor(time.Second, DefaultThresholds(), NewScheduler(clock.NewMock()))
	s, _ := q.Observe(core.RawStats{
		RTT: 100 * time.Millisecond, HasRTT: true,
		PacketsReceived: 1000, PacketsLost: 500,
		FractionLost: 0.02, HasFractionLost: true,
	}, nil, time.Now())
	assert.Equal(t, domain.TierGood, s.Tier)
	assert.InDelta(t, 0.02, s.PacketLossFraction, 0.0001)
}

func TestQualityMonitorNoRTTIsUnknown(t *testing.T) {
	q := NewQualityMonitor(time.Second, DefaultThresholds(), NewScheduler(clock.NewMock()))
	s, changed := q.Observe(core.RawStats{PacketsReceived: 10}, nil, time.Now())
	assert.True(t, changed)
	assert.Equal(t, domain.TierUnknown, s.Tier)
}

func TestQualityMonitorStopCancelsTask(t *testing.T) {
	clk := clock.NewMock()
	q := NewQualityMonitor(time.Second, DefaultThresholds(), NewScheduler(clk))
	ticks := make(chan *Task, 8)
	q.Start(func(t *Task) { ticks <- t })

	clk.Add(time.Second)
	tk := <-ticks
	assert.True(t, q.Current(tk))

	q.Stop()
	assert.False(t, q.Current(tk))
	clk.Add(3 * time.Second)
	select {
	case <-ticks:
		t.Fatal("tick after stop")
	case <-time.After(20 * time.Millisecond):
	}
}
