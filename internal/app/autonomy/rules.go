// Package autonomy bounds how much autonomy the system may exercise: the
// governor gates agent commands against the current phase, and the circuit
// breaker retreats to a safer phase when safety signals degrade.
package autonomy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roast-network/roastd/internal/domain"
)

// The breaker condition grammar is deliberately restricted: one metric from
// a closed vocabulary, one operator, one literal. Textual rules stay
// user-editable and auditable; parsing at load time rules out injection and
// undefined behavior. Malformed rules are rejected at load.

// operators, multi-character ones before ">" and "<" so ">=" never parses as ">".
var operators = []string{">=", "<=", "===", ">", "<"}

// metricVocabulary is the closed set of metric names a condition may use.
var metricVocabulary = map[string]bool{
	"errorRate":            true,
	"successRate":          true,
	"rollbackRate":         true,
	"approvalRate":         true,
	"incidents.critical":   true,
	"incident.severity":    true,
	"commandType.failures": true,
	"constraintViolations": true,
	"emergencyAborts":      true,
}

// Condition is a parsed breaker condition.
type Condition struct {
	Metric   string
	Op       string
	Number   float64
	Str      string
	IsString bool
}

// ParseCondition parses the textual rule form. Exactly one operator; the
// left side is a metric name; the right side is a number literal, or a
// quoted string for ===.
func ParseCondition(text string) (*Condition, error) {
	var op string
	idx := -1
	for _, candidate := range operators {
		if i := strings.Index(text, candidate); i >= 0 {
			op = candidate
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: no operator in %q", domain.ErrBadRule, text)
	}

	left := strings.TrimSpace(text[:idx])
	right := strings.TrimSpace(text[idx+len(op):])
	if left == "" || right == "" {
		return nil, fmt.Errorf("%w: incomplete condition %q", domain.ErrBadRule, text)
	}
	if strings.ContainsAny(right, "><") {
		return nil, fmt.Errorf("%w: more than one operator in %q", domain.ErrBadRule, text)
	}
	if !metricVocabulary[left] {
		return nil, fmt.Errorf("%w: unknown metric %q", domain.ErrBadRule, left)
	}

	c := &Condition{Metric: left, Op: op}
	if strings.HasPrefix(right, `"`) && strings.HasSuffix(right, `"`) && len(right) >= 2 {
		if op != "===" {
			return nil, fmt.Errorf("%w: string literal requires ===, got %q", domain.ErrBadRule, op)
		}
		c.Str = right[1 : len(right)-1]
		c.IsString = true
		return c, nil
	}
	n, err := strconv.ParseFloat(right, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: right side %q is not a number", domain.ErrBadRule, right)
	}
	c.Number = n
	return c, nil
}

// Evaluate applies the condition to a metrics snapshot. rule scopes
// commandType.failures to one command type when set.
func (c *Condition) Evaluate(m domain.CommandMetrics, rule domain.BreakerRule) bool {
	if c.IsString {
		// Only incident.severity is a string metric.
		if c.Metric != "incident.severity" {
			return false
		}
		return m.MaxIncidentSeverity == c.Str
	}

	var value float64
	switch c.Metric {
	case "errorRate":
		value = m.ErrorRate
	case "successRate":
		value = m.SuccessRate
	case "rollbackRate":
		value = m.RollbackRate
	case "approvalRate":
		value = m.ApprovalRate
	case "incidents.critical":
		value = float64(m.IncidentsCritical)
	case "constraintViolations":
		value = float64(m.ConstraintViolations)
	case "emergencyAborts":
		value = float64(m.EmergencyAborts)
	case "commandType.failures":
		if rule.CommandType != "" {
			value = float64(m.FailuresByType[rule.CommandType])
		} else {
			for _, n := range m.FailuresByType {
				value += float64(n)
			}
		}
	default:
		return false
	}

	switch c.Op {
	case ">":
		return value > c.Number
	case ">=":
		return value >= c.Number
	case "<":
		return value < c.Number
	case "<=":
		return value <= c.Number
	case "===":
		return value == c.Number
	}
	return false
}
