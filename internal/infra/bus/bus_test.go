package bus

import (
	"testing"

	"github.com/roast-network/roastd/internal/domain"
)

func TestTopicRoundTrip(t *testing.T) {
	key := domain.MachineKey{OrgID: "acme", SiteID: "sf", MachineID: "m-7"}

	if got, want := TelemetryTopic(key), "roaster/acme/sf/m-7/telemetry"; got != want {
		t.Errorf("TelemetryTopic = %q, want %q", got, want)
	}
	if got, want := EventTopic(key), "roaster/acme/sf/m-7/events"; got != want {
		t.Errorf("EventTopic = %q, want %q", got, want)
	}

	parsed, err := ParseTopic(TelemetryTopic(key))
	if err != nil {
		t.Fatalf("ParseTopic: %v", err)
	}
	if parsed != key {
		t.Errorf("ParseTopic = %+v, want %+v", parsed, key)
	}
}

func TestParseTopicRejectsMalformed(t *testing.T) {
	bad := []string{
		"roaster/acme/sf/telemetry",            // missing segment
		"roaster/acme/sf/m-1/extra/telemetry",  // too many segments
		"sensor/acme/sf/m-1/telemetry",         // wrong prefix
		"roaster//sf/m-1/telemetry",            // empty component
	}
	for _, topic := range bad {
		if _, err := ParseTopic(topic); err == nil {
			t.Errorf("ParseTopic(%q) accepted a malformed topic", topic)
		}
	}
}
