package domain

import "time"

type QualityTier string

const (
	TierExcellent QualityTier = "excellent"
	TierGood      QualityTier = "good"
	TierFair      QualityTier = "fair"
	TierPoor      QualityTier = "poor"
	TierUnknown   QualityTier = "unknown"
)

// QualitySample is one classified stats reading.
type QualitySample struct {
	RTTMs              float64     `json:"rttMs"`
	PacketLossFraction float64     `json:"packetLossFraction"`
	Timestamp          time.Time   `json:"timestamp"`
	Tier               QualityTier `json:"tier"`
}
