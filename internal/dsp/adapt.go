package dsp

import "math"

// BitrateLadder is the ordered list of Opus target bitrate steps in kbps,
// from barely-intelligible emergency quality up to high-fidelity voice.
var BitrateLadder = []int{8, 12, 16, 24, 32, 48}

// DefaultKbps is the starting bitrate for a new stream generation.
const DefaultKbps = 32

// NextBitrate returns the next rung of BitrateLadder given the encoder's
// current setting and the connection quality observed over the last
// measurement interval:
//
//   - step DOWN one rung when loss exceeds 5%
//   - step UP one rung when loss < 1% and 0 < rtt < 150 ms
//   - otherwise hold
//
// The result is always a member of BitrateLadder.
func NextBitrate(current int, lossRate float64, rttMs float64) int {
	idx := ladderIndex(current)
	switch {
	case lossRate > 0.05 && idx > 0:
		return BitrateLadder[idx-1]
	case lossRate < 0.01 && rttMs > 0 && rttMs < 150 && idx < len(BitrateLadder)-1:
		return BitrateLadder[idx+1]
	default:
		return BitrateLadder[idx]
	}
}

func ladderIndex(kbps int) int {
	best, bestDist := 0, iabs(kbps-BitrateLadder[0])
	for i, step := range BitrateLadder {
		if d := iabs(kbps - step); d < bestDist {
			bestDist, best = d, i
		}
	}
	return best
}

func iabs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

const (
	frameDurationMs    = 20.0
	minJitterDepth     = 1
	maxJitterDepth     = 8
	DefaultJitterDepth = 1
)

// TargetJitterDepth computes the jitter buffer depth (in 20 ms blocks) from
// measured inter-arrival jitter and loss rate: ceil(jitterMs/20)+1, plus one
// extra block once loss exceeds 5%. Clamped to [1, 8]; returns
// DefaultJitterDepth when jitterMs is 0 (no measurement yet).
func TargetJitterDepth(jitterMs, lossRate float64) int {
	if jitterMs <= 0 {
		return DefaultJitterDepth
	}
	depth := int(math.Ceil(jitterMs/frameDurationMs)) + 1
	if lossRate > 0.05 {
		depth++
	}
	if depth < minJitterDepth {
		depth = minJitterDepth
	}
	if depth > maxJitterDepth {
		depth = maxJitterDepth
	}
	return depth
}

// SmoothLoss applies exponential smoothing to a raw loss-rate sample. alpha
// is the weight given to the new sample (0 = ignore new, 1 = ignore old).
func SmoothLoss(smoothed, raw, alpha float64) float64 {
	return alpha*raw + (1-alpha)*smoothed
}

// QualityAdapter tracks a smoothed loss rate and the most recent RTT sample
// for one sink connection, and derives the bitrate/jitter-depth
// recommendations the source/sink act on. Not part of the wire protocol:
// it consumes the resend-request and ping-reply accounting the engines
// already perform.
type QualityAdapter struct {
	smoothedLoss float64
	lastRTTMs    float64
	kbps         int
}

// NewQualityAdapter starts at DefaultKbps with no loss/RTT history.
func NewQualityAdapter() *QualityAdapter {
	return &QualityAdapter{kbps: DefaultKbps}
}

// RecordInterval folds one measurement interval's loss rate into the
// smoothed estimate (alpha=0.3) and records the latest RTT sample.
func (q *QualityAdapter) RecordInterval(lossRate, rttMs float64) {
	q.smoothedLoss = SmoothLoss(q.smoothedLoss, lossRate, 0.3)
	q.lastRTTMs = rttMs
}

// RecommendedBitrate returns the next Opus target bitrate (kbps) for the
// current quality estimate and advances the adapter's internal rung.
func (q *QualityAdapter) RecommendedBitrate() int {
	q.kbps = NextBitrate(q.kbps, q.smoothedLoss, q.lastRTTMs)
	return q.kbps
}

// RecommendedJitterDepth returns the jitter buffer depth (in 20 ms blocks)
// for the current quality estimate.
func (q *QualityAdapter) RecommendedJitterDepth() int {
	return TargetJitterDepth(q.lastRTTMs, q.smoothedLoss)
}

// LossRate returns the current smoothed loss estimate.
func (q *QualityAdapter) LossRate() float64 { return q.smoothedLoss }
