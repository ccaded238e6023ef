package callsession

import (
	"time"

	"github.com/dkeye/callsync/internal/core"
	"github.com/dkeye/callsync/internal/domain"
)

// Classify maps one reading onto a tier. Both bounds of a tier must hold.
func Classify(th QualityThresholds, rtt time.Duration, loss float64) domain.QualityTier {
	switch {
	case rtt <= th.ExcellentRTT && loss <= th.ExcellentLoss:
		return domain.TierExcellent
	case rtt <= th.GoodRTT && loss <= th.GoodLoss:
		return domain.TierGood
	case rtt <= th.FairRTT && loss <= th.FairLoss:
		return domain.TierFair
	default:
		return domain.TierPoor
	}
}

// QualityMonitor samples connection stats on an interval and reports a
// tier only when it differs from the last reported one.
type QualityMonitor struct {
	interval   time.Duration
	thresholds QualityThresholds
	sched      *Scheduler

	task     *Task
	last     domain.QualityTier
	emitted  bool
	prevRecv uint64
	prevLost int64
	havePrev bool
}

func NewQualityMonitor(interval time.Duration, th QualityThresholds, sched *Scheduler) *QualityMonitor {
	return &QualityMonitor{interval: interval, thresholds: th, sched: sched}
}

// Start schedules tick every interval. Already running monitors are left alone.
func (q *QualityMonitor) Start(tick func(*Task)) {
	if q.task.Active() {
		return
	}
	q.task = q.sched.Every(q.interval, tick)
}

func (q *QualityMonitor) Stop() {
	q.task.Cancel()
	q.task = nil
}

// Current reports whether t is the live sampling task.
func (q *QualityMonitor) Current(t *Task) bool { return t != nil && t == q.task && t.Active() }

// Rebase forgets counter baselines, for a freshly created connection.
func (q *QualityMonitor) Rebase() {
	q.prevRecv, q.prevLost, q.havePrev = 0, 0, false
}

func (q *QualityMonitor) Last() domain.QualityTier {
	if !q.emitted {
		return domain.TierUnknown
	}
	return q.last
}

// Observe classifies one stats reading. changed is true for the first
// classification and whenever the tier differs from the last emitted one.
func (q *QualityMonitor) Observe(stats core.RawStats, err error, now time.Time) (domain.QualitySample, bool) {
	s := domain.QualitySample{Timestamp: now, Tier: domain.TierUnknown}
	if err == nil {
		s.PacketLossFraction = q.lossFraction(stats)
		if stats.HasRTT {
			s.RTTMs = float64(stats.RTT) / float64(time.Millisecond)
			s.Tier = Classify(q.thresholds, stats.RTT, s.PacketLossFraction)
		}
	}
	if q.emitted && s.Tier == q.last {
		return s, false
	}
	q.last = s.Tier
	q.emitted = true
	return s, true
}

func (q *QualityMonitor) lossFraction(stats core.RawStats) float64 {
	recv, lost := stats.PacketsReceived, stats.PacketsLost
	if q.havePrev && recv >= q.prevRecv && lost >= q.prevLost {
		recv, lost = recv-q.prevRecv, lost-q.prevLost
	}
	q.prevRecv, q.prevLost, q.havePrev = stats.PacketsReceived, stats.PacketsLost, true

	if stats.HasFractionLost {
		return clampFraction(stats.FractionLost)
	}
	total := float64(recv) + float64(lost)
	if total <= 0 || lost < 0 {
		return 0
	}
	return clampFraction(float64(lost) / total)
}

func clampFraction(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
