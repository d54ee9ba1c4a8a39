package inference

import (
	"math"

	"github.com/roast-network/roastd/internal/domain"
)

// runDetectors evaluates CHARGE → TP → FC in order against the session
// after the latest point was appended. Each detector is a no-op once its
// event has been emitted for the session. Detectors are total functions
// over session state.
func runDetectors(s *session, latest domain.TelemetryPoint) []domain.RoastEvent {
	var out []domain.RoastEvent

	if ev, ok := detectCharge(s, latest); ok {
		s.emitted[domain.EventCharge] = true
		out = append(out, ev)
	}
	if ev, ok := detectTP(s, latest); ok {
		s.emitted[domain.EventTP] = true
		out = append(out, ev)
	}
	if ev, ok := detectFC(s, latest); ok {
		s.emitted[domain.EventFC] = true
		out = append(out, ev)
	}
	return out
}

// detectCharge synthesizes a CHARGE from the first telemetry point of a
// session, at that point's elapsed time (0 if unset).
func detectCharge(s *session, latest domain.TelemetryPoint) (domain.RoastEvent, bool) {
	if s.emitted[domain.EventCharge] {
		return domain.RoastEvent{}, false
	}
	return domain.RoastEvent{
		Type:           domain.EventCharge,
		TS:             latest.TS,
		ElapsedSeconds: latest.ElapsedSeconds,
		BtC:            latest.BtC,
	}, true
}

// bt reads a point's bean temperature, treating a missing reading as +Inf
// so it can never look like a minimum.
func bt(p domain.TelemetryPoint) float64 {
	if p.BtC == nil {
		return math.Inf(1)
	}
	return *p.BtC
}

// detectTP finds the turning point from the last three samples: either the
// middle bean temperature is a local minimum, or the slope sign transitions
// from negative to non-negative. Both rules name the middle point; the
// local-minimum rule takes precedence when both fire.
//
// Only the last three samples are considered, even when the buffer holds a
// longer history.
func detectTP(s *session, latest domain.TelemetryPoint) (domain.RoastEvent, bool) {
	if s.emitted[domain.EventTP] {
		return domain.RoastEvent{}, false
	}
	if s.buf.len() < 3 {
		return domain.RoastEvent{}, false
	}
	if latest.ElapsedSeconds > s.cfg.TPSearchWindowSeconds {
		return domain.RoastEvent{}, false
	}

	pts := s.buf.lastN(3)
	b0, b1, b2 := bt(pts[0]), bt(pts[1]), bt(pts[2])
	mid := pts[1]

	localMin := !math.IsInf(b1, 1) && b1 < b0 && b1 < b2
	slopeFlip := !math.IsInf(b0, 1) && !math.IsInf(b1, 1) && !math.IsInf(b2, 1) &&
		b1-b0 < 0 && b2-b1 >= 0

	if !localMin && !slopeFlip {
		return domain.RoastEvent{}, false
	}
	return domain.RoastEvent{
		Type:           domain.EventTP,
		TS:             mid.TS,
		ElapsedSeconds: mid.ElapsedSeconds,
		BtC:            mid.BtC,
	}, true
}

// detectFC fires once the roast is old enough and hot enough, with an
// optional rate-of-rise ceiling.
func detectFC(s *session, latest domain.TelemetryPoint) (domain.RoastEvent, bool) {
	if s.emitted[domain.EventFC] {
		return domain.RoastEvent{}, false
	}
	if latest.ElapsedSeconds < s.cfg.MinFirstCrackSeconds {
		return domain.RoastEvent{}, false
	}
	if latest.BtC == nil || *latest.BtC < s.cfg.FCBtThresholdC {
		return domain.RoastEvent{}, false
	}
	if s.cfg.FCRorMaxThreshold != nil && latest.RorCPerMin != nil &&
		*latest.RorCPerMin > *s.cfg.FCRorMaxThreshold {
		return domain.RoastEvent{}, false
	}
	return domain.RoastEvent{
		Type:           domain.EventFC,
		TS:             latest.TS,
		ElapsedSeconds: latest.ElapsedSeconds,
		BtC:            latest.BtC,
	}, true
}

// detectDrop emits DROP at the timestamp of the last telemetry point. The
// caller has already established that the silence threshold passed.
func detectDrop(s *session) (domain.RoastEvent, bool) {
	last := s.buf.last()
	if last == nil {
		return domain.RoastEvent{}, false
	}
	return domain.RoastEvent{
		Type:           domain.EventDrop,
		TS:             last.TS,
		ElapsedSeconds: last.ElapsedSeconds,
		BtC:            last.BtC,
	}, true
}
