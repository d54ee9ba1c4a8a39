package autonomy

import (
	"errors"
	"testing"

	"github.com/roast-network/roastd/internal/domain"
)

func TestParseCondition(t *testing.T) {
	tests := []struct {
		in     string
		metric string
		op     string
		number float64
	}{
		{"errorRate > 0.05", "errorRate", ">", 0.05},
		{"successRate < 0.8", "successRate", "<", 0.8},
		{"rollbackRate >= 0.1", "rollbackRate", ">=", 0.1},
		{"approvalRate <= 0.5", "approvalRate", "<=", 0.5},
		{"incidents.critical >= 1", "incidents.critical", ">=", 1},
		{"emergencyAborts === 2", "emergencyAborts", "===", 2},
		{"commandType.failures > 3", "commandType.failures", ">", 3},
	}
	for _, tt := range tests {
		c, err := ParseCondition(tt.in)
		if err != nil {
			t.Errorf("ParseCondition(%q): %v", tt.in, err)
			continue
		}
		if c.Metric != tt.metric || c.Op != tt.op || c.Number != tt.number {
			t.Errorf("ParseCondition(%q) = %+v", tt.in, c)
		}
	}
}

func TestParseConditionString(t *testing.T) {
	c, err := ParseCondition(`incident.severity === "critical"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !c.IsString || c.Str != "critical" {
		t.Errorf("string condition = %+v", c)
	}
}

func TestParseConditionRejectsMalformed(t *testing.T) {
	bad := []string{
		"errorRate is high",             // no operator
		"errorRate > ",                  // missing right side
		"> 0.5",                         // missing left side
		"memoryUsage > 0.5",             // unknown metric
		"errorRate > 0.5 > 0.6",         // two operators
		"errorRate > banana",            // not a number
		`errorRate > "0.5"`,             // string needs ===
	}
	for _, in := range bad {
		if _, err := ParseCondition(in); !errors.Is(err, domain.ErrBadRule) {
			t.Errorf("ParseCondition(%q) = %v, want ErrBadRule", in, err)
		}
	}
}

func TestConditionEvaluate(t *testing.T) {
	m := domain.CommandMetrics{
		ErrorRate:           0.1,
		SuccessRate:         0.9,
		IncidentsCritical:   2,
		EmergencyAborts:     1,
		MaxIncidentSeverity: "critical",
		FailuresByType: map[domain.CommandType]int{
			domain.CommandSetPower: 3,
			domain.CommandSetFan:   1,
		},
	}

	tests := []struct {
		cond string
		rule domain.BreakerRule
		want bool
	}{
		{"errorRate > 0.05", domain.BreakerRule{}, true},
		{"errorRate > 0.2", domain.BreakerRule{}, false},
		{"successRate < 0.8", domain.BreakerRule{}, false},
		{"incidents.critical >= 2", domain.BreakerRule{}, true},
		{"emergencyAborts === 1", domain.BreakerRule{}, true},
		{`incident.severity === "critical"`, domain.BreakerRule{}, true},
		{`incident.severity === "warning"`, domain.BreakerRule{}, false},
		{"commandType.failures > 2", domain.BreakerRule{CommandType: domain.CommandSetPower}, true},
		{"commandType.failures > 2", domain.BreakerRule{CommandType: domain.CommandSetFan}, false},
		{"commandType.failures > 3", domain.BreakerRule{}, true}, // sum across types
	}
	for _, tt := range tests {
		c, err := ParseCondition(tt.cond)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.cond, err)
		}
		if got := c.Evaluate(m, tt.rule); got != tt.want {
			t.Errorf("Evaluate(%q, type=%s) = %v, want %v", tt.cond, tt.rule.CommandType, got, tt.want)
		}
	}
}
