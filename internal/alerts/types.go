// Package alerts evaluates threshold-based rules against metric values and
// drives each rule-instance's alert through a pending/firing/resolved
// state machine, gated by silences and dispatched through notification
// channels.
package alerts

import (
	"fmt"
	"sort"
	"time"

	"github.com/zeebo/blake3"
)

// ComparisonOperator is how a condition's metric value is compared
// against its threshold.
type ComparisonOperator int

const (
	GreaterThan ComparisonOperator = iota
	GreaterThanOrEqual
	LessThan
	LessThanOrEqual
	Equal
)

func (op ComparisonOperator) String() string {
	switch op {
	case GreaterThan:
		return "GT"
	case GreaterThanOrEqual:
		return "GTE"
	case LessThan:
		return "LT"
	case LessThanOrEqual:
		return "LTE"
	case Equal:
		return "EQ"
	default:
		return "unknown"
	}
}

// AlertCondition is the threshold test a rule evaluates against a metric.
type AlertCondition struct {
	MetricName string
	Operator   ComparisonOperator
	Threshold  float64
}

// Evaluate reports whether value satisfies the condition.
func (c AlertCondition) Evaluate(value float64) bool {
	switch c.Operator {
	case GreaterThan:
		return value > c.Threshold
	case GreaterThanOrEqual:
		return value >= c.Threshold
	case LessThan:
		return value < c.Threshold
	case LessThanOrEqual:
		return value <= c.Threshold
	case Equal:
		return value == c.Threshold
	default:
		return false
	}
}

// AlertSeverity classifies a rule's urgency.
type AlertSeverity int

const (
	SeverityInfo AlertSeverity = iota
	SeverityWarning
	SeverityCritical
)

func (s AlertSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// AlertRule defines a condition to evaluate on a recurring cycle, and how
// long that condition must hold before the rule's alert starts firing.
type AlertRule struct {
	ID              string
	Name            string
	Condition       AlertCondition
	ForDurationSecs uint64
	Severity        AlertSeverity
	Labels          map[string]string
	Enabled         bool
}

// NewAlertRule constructs an enabled rule with no for-duration (fires
// immediately once its condition is met).
func NewAlertRule(id, name string, condition AlertCondition) AlertRule {
	return AlertRule{ID: id, Name: name, Condition: condition, Labels: make(map[string]string), Enabled: true}
}

func (r AlertRule) WithForDuration(d time.Duration) AlertRule {
	r.ForDurationSecs = uint64(d.Seconds())
	return r
}

func (r AlertRule) WithSeverity(s AlertSeverity) AlertRule { r.Severity = s; return r }

func (r AlertRule) WithLabel(key, value string) AlertRule {
	if r.Labels == nil {
		r.Labels = make(map[string]string)
	}
	r.Labels[key] = value
	return r
}

func (r AlertRule) Disabled() AlertRule { r.Enabled = false; return r }

// Fingerprint returns the fingerprint a rule-instance's alerts are keyed
// by: deterministic over the rule id plus its label set, so the same
// rule+labels always collide on the same fingerprint regardless of
// evaluation order.
func (r AlertRule) Fingerprint() string {
	return fingerprint(r.ID, r.Labels)
}

func fingerprint(ruleID string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := blake3.New()
	h.Write([]byte(ruleID))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(labels[k]))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// AlertState is an alert instance's lifecycle state.
type AlertState int

const (
	AlertPending AlertState = iota
	AlertFiring
	AlertResolved
)

func (s AlertState) String() string {
	switch s {
	case AlertPending:
		return "Pending"
	case AlertFiring:
		return "Firing"
	case AlertResolved:
		return "Resolved"
	default:
		return "Unknown"
	}
}

// Alert is a single firing instance of a rule, keyed by its fingerprint.
type Alert struct {
	Fingerprint string
	RuleName    string
	State       AlertState
	Value       float64
	ResolvedAt  *time.Time
	Labels      map[string]string
}

// newPendingAlert builds an alert in the Pending state for a rule
// observing value, carrying the rule's labels merged with any extra
// labels supplied by the caller.
func newPendingAlert(rule AlertRule, value float64, extraLabels map[string]string) Alert {
	labels := make(map[string]string, len(rule.Labels)+len(extraLabels))
	for k, v := range rule.Labels {
		labels[k] = v
	}
	for k, v := range extraLabels {
		labels[k] = v
	}
	return Alert{
		Fingerprint: fingerprint(rule.ID, rule.Labels),
		RuleName:    rule.Name,
		State:       AlertPending,
		Value:       value,
		Labels:      labels,
	}
}

// IsActive reports whether the alert is Pending or Firing.
func (a Alert) IsActive() bool { return a.State == AlertPending || a.State == AlertFiring }

func (a *Alert) updateValue(value float64) { a.Value = value }

func (a *Alert) fire() { a.State = AlertFiring }

func (a *Alert) resolve(now time.Time) {
	a.State = AlertResolved
	a.ResolvedAt = &now
}

// Silence suppresses notifications for alerts whose labels match every
// one of its matchers, for the duration of its active window.
type Silence struct {
	ID       string
	Matchers map[string]string
	StartsAt time.Time
	EndsAt   time.Time
	Creator  string
	Comment  string
}

func NewSilence(id string, matchers map[string]string, startsAt, endsAt time.Time) Silence {
	return Silence{ID: id, Matchers: matchers, StartsAt: startsAt, EndsAt: endsAt}
}

func (s Silence) WithCreator(creator string) Silence { s.Creator = creator; return s }
func (s Silence) WithComment(comment string) Silence { s.Comment = comment; return s }

// IsActive reports whether now falls within the silence's window.
func (s Silence) IsActive(now time.Time) bool {
	return !now.Before(s.StartsAt) && !now.After(s.EndsAt)
}

// Matches reports whether the silence applies to alert: active, and every
// matcher key equal to the alert's label value for that key.
func (s Silence) Matches(alert Alert, now time.Time) bool {
	if !s.IsActive(now) {
		return false
	}
	for key, value := range s.Matchers {
		if alert.Labels[key] != value {
			return false
		}
	}
	return true
}
