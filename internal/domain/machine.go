// Package domain holds the typed records shared by every roastd service:
// machine identity, telemetry, roast events, missions, commands, and
// governance state. Domain types are pure — no infrastructure dependency.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MachineKey identifies one roasting machine. It is the partition key for
// sessions, configs, and bus topics.
type MachineKey struct {
	OrgID     string `json:"orgId"`
	SiteID    string `json:"siteId"`
	MachineID string `json:"machineId"`
}

// Valid reports whether all three components are present.
func (k MachineKey) Valid() bool {
	return k.OrgID != "" && k.SiteID != "" && k.MachineID != ""
}

// String returns the canonical org/site/machine form.
func (k MachineKey) String() string {
	return k.OrgID + "/" + k.SiteID + "/" + k.MachineID
}

// ParseMachineKey parses an org/site/machine string.
func ParseMachineKey(s string) (MachineKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return MachineKey{}, fmt.Errorf("machine key %q: want org/site/machine", s)
	}
	k := MachineKey{OrgID: parts[0], SiteID: parts[1], MachineID: parts[2]}
	if !k.Valid() {
		return MachineKey{}, fmt.Errorf("machine key %q: empty component", s)
	}
	return k, nil
}

// TelemetryPoint is one sample from a machine. Temperatures are °C,
// gas is a percentage in [0,100]. Optional readings are pointers so
// "absent" and "zero" stay distinct.
type TelemetryPoint struct {
	TS             time.Time `json:"ts"`
	MachineID      string    `json:"machineId"`
	ElapsedSeconds float64   `json:"elapsedSeconds"`
	BtC            *float64  `json:"btC,omitempty"`
	EtC            *float64  `json:"etC,omitempty"`
	RorCPerMin     *float64  `json:"rorCPerMin,omitempty"`
	GasPct         *float64  `json:"gasPct,omitempty"`
}

// Validate checks bounds on the optional readings.
func (p TelemetryPoint) Validate() error {
	if p.TS.IsZero() {
		return fmt.Errorf("%w: telemetry point has no timestamp", ErrBadPayload)
	}
	if p.ElapsedSeconds < 0 {
		return fmt.Errorf("%w: elapsedSeconds %.1f is negative", ErrBadPayload, p.ElapsedSeconds)
	}
	if p.GasPct != nil && (*p.GasPct < 0 || *p.GasPct > 100) {
		return fmt.Errorf("%w: gasPct %.1f outside [0,100]", ErrBadPayload, *p.GasPct)
	}
	return nil
}

// EventType is one of the four roast-lifecycle events.
type EventType string

const (
	EventCharge EventType = "CHARGE"
	EventTP     EventType = "TP"
	EventFC     EventType = "FC"
	EventDrop   EventType = "DROP"
)

// RoastEvent is an inferred lifecycle event for one machine.
type RoastEvent struct {
	Type           EventType `json:"type"`
	MachineID      string    `json:"machineId"`
	TS             time.Time `json:"ts"`
	ElapsedSeconds float64   `json:"elapsedSeconds"`
	BtC            *float64  `json:"btC,omitempty"`
}

// MachineEvent pairs an event with the machine it was inferred for.
// Returned by the engine's timer tick, which walks every live session.
type MachineEvent struct {
	Key   MachineKey `json:"key"`
	Event RoastEvent `json:"event"`
}

// ─── Telemetry Envelope ─────────────────────────────────────────────────────

// Envelope topics.
const (
	TopicTelemetry = "telemetry"
	TopicEvent     = "event"
)

// Envelope is the signed wire wrapper for telemetry and events.
// Payload stays raw until the topic selects its shape.
type Envelope struct {
	TS        string          `json:"ts"`
	Origin    MachineKey      `json:"origin"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	SessionID string          `json:"sessionId,omitempty"`
	Sig       string          `json:"sig,omitempty"`
	Kid       string          `json:"kid,omitempty"`
}

// Validate checks the envelope frame. Payload shape is checked by the
// consumer once the topic is known.
func (e Envelope) Validate() error {
	if e.TS == "" {
		return fmt.Errorf("%w: envelope missing ts", ErrBadPayload)
	}
	if _, err := time.Parse(time.RFC3339, e.TS); err != nil {
		return fmt.Errorf("%w: envelope ts %q: %v", ErrBadPayload, e.TS, err)
	}
	if !e.Origin.Valid() {
		return fmt.Errorf("%w: envelope origin incomplete", ErrBadPayload)
	}
	if e.Topic != TopicTelemetry && e.Topic != TopicEvent {
		return fmt.Errorf("%w: envelope topic %q", ErrBadPayload, e.Topic)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: envelope has no payload", ErrBadPayload)
	}
	return nil
}

// ─── Heuristics Config ──────────────────────────────────────────────────────

// HeuristicsConfig tunes the per-machine event detectors.
type HeuristicsConfig struct {
	SessionGapSeconds     float64  `json:"sessionGapSeconds"`
	TPSearchWindowSeconds float64  `json:"tpSearchWindowSeconds"`
	MinFirstCrackSeconds  float64  `json:"minFirstCrackSeconds"`
	FCBtThresholdC        float64  `json:"fcBtThresholdC"`
	FCRorMaxThreshold     *float64 `json:"fcRorMaxThreshold,omitempty"`
	DropSilenceSeconds    float64  `json:"dropSilenceSeconds"`
	MaxBufferPoints       int      `json:"maxBufferPoints"`
}

// DefaultHeuristics returns the stock detector thresholds.
func DefaultHeuristics() HeuristicsConfig {
	return HeuristicsConfig{
		SessionGapSeconds:     30,
		TPSearchWindowSeconds: 180,
		MinFirstCrackSeconds:  300,
		FCBtThresholdC:        196,
		DropSilenceSeconds:    10,
		MaxBufferPoints:       2000,
	}
}

// HeuristicsPatch is a partial config; nil fields keep the current value.
type HeuristicsPatch struct {
	SessionGapSeconds     *float64 `json:"sessionGapSeconds,omitempty"`
	TPSearchWindowSeconds *float64 `json:"tpSearchWindowSeconds,omitempty"`
	MinFirstCrackSeconds  *float64 `json:"minFirstCrackSeconds,omitempty"`
	FCBtThresholdC        *float64 `json:"fcBtThresholdC,omitempty"`
	FCRorMaxThreshold     *float64 `json:"fcRorMaxThreshold,omitempty"`
	DropSilenceSeconds    *float64 `json:"dropSilenceSeconds,omitempty"`
	MaxBufferPoints       *int     `json:"maxBufferPoints,omitempty"`
}

// Apply merges the patch over c and returns the result.
func (c HeuristicsConfig) Apply(p HeuristicsPatch) HeuristicsConfig {
	if p.SessionGapSeconds != nil {
		c.SessionGapSeconds = *p.SessionGapSeconds
	}
	if p.TPSearchWindowSeconds != nil {
		c.TPSearchWindowSeconds = *p.TPSearchWindowSeconds
	}
	if p.MinFirstCrackSeconds != nil {
		c.MinFirstCrackSeconds = *p.MinFirstCrackSeconds
	}
	if p.FCBtThresholdC != nil {
		c.FCBtThresholdC = *p.FCBtThresholdC
	}
	if p.FCRorMaxThreshold != nil {
		v := *p.FCRorMaxThreshold
		c.FCRorMaxThreshold = &v
	}
	if p.DropSilenceSeconds != nil {
		c.DropSilenceSeconds = *p.DropSilenceSeconds
	}
	if p.MaxBufferPoints != nil {
		c.MaxBufferPoints = *p.MaxBufferPoints
	}
	return c
}

// Validate rejects nonsensical threshold combinations.
func (c HeuristicsConfig) Validate() error {
	if c.SessionGapSeconds <= 0 {
		return fmt.Errorf("sessionGapSeconds must be positive, got %.1f", c.SessionGapSeconds)
	}
	if c.DropSilenceSeconds <= 0 {
		return fmt.Errorf("dropSilenceSeconds must be positive, got %.1f", c.DropSilenceSeconds)
	}
	if c.MaxBufferPoints < 3 {
		return fmt.Errorf("maxBufferPoints must be at least 3, got %d", c.MaxBufferPoints)
	}
	if c.TPSearchWindowSeconds < 0 || c.MinFirstCrackSeconds < 0 {
		return fmt.Errorf("detector windows must be non-negative")
	}
	return nil
}
