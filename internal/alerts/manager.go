package alerts

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gpufabric/fabricd/internal/xerrors"
)

// NotificationChannel dispatches a batch of alerts somewhere external
// (pager, chat, webhook). Implementations are supplied by the caller.
type NotificationChannel interface {
	Name() string
	Send(alerts []Alert) error
}

// ManagerConfig bounds the Manager's retained state and evaluation
// behavior.
type ManagerConfig struct {
	ResolvedAlertRetention time.Duration
	MaxAlerts              int
	NotifyOnResolve        bool
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{ResolvedAlertRetention: time.Hour, MaxAlerts: 10000, NotifyOnResolve: true}
}

// EvaluationResult summarizes a single evaluate() cycle.
type EvaluationResult struct {
	RulesEvaluated       int
	RulesErrored         int
	AlertsFired          []string
	AlertsResolved       []string
	NotificationsSent    int
	NotificationFailures int
}

// Manager evaluates alert rules against supplied metric values, tracks
// each rule-instance's alert through its pending/firing/resolved state
// machine, and dispatches notifications through registered channels,
// respecting active silences.
type Manager struct {
	cfg ManagerConfig
	log *zap.Logger

	mu           sync.RWMutex
	rules        map[string]AlertRule
	alertsByFP   map[string]Alert
	pendingSince map[string]time.Time
	silences     map[string]Silence
	channels     []NotificationChannel

	rulesEvaluated       uint64 // atomic
	rulesErrored         uint64 // atomic
	alertsFiredTotal     uint64 // atomic
	alertsResolvedTotal  uint64 // atomic
	notificationsSent    uint64 // atomic
	notificationFailures uint64 // atomic
}

// ManagerStats is the manager's running counters across every evaluation
// cycle since construction.
type ManagerStats struct {
	RulesEvaluated       uint64
	RulesErrored         uint64
	AlertsFired          uint64
	AlertsResolved       uint64
	NotificationsSent    uint64
	NotificationFailures uint64
}

// NewManager constructs a Manager with default configuration.
func NewManager(log *zap.Logger) *Manager {
	return NewManagerWithConfig(DefaultManagerConfig(), log)
}

func NewManagerWithConfig(cfg ManagerConfig, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:          cfg,
		log:          log,
		rules:        make(map[string]AlertRule),
		alertsByFP:   make(map[string]Alert),
		pendingSince: make(map[string]time.Time),
		silences:     make(map[string]Silence),
	}
}

// AddRule registers a new rule. It fails if a rule with the same id
// already exists.
func (m *Manager) AddRule(rule AlertRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rules[rule.ID]; exists {
		return &xerrors.InvalidRuleError{Reason: fmt.Sprintf("rule with id %q already exists", rule.ID)}
	}
	m.rules[rule.ID] = rule
	m.log.Info("added alert rule", zap.String("rule_id", rule.ID), zap.String("rule_name", rule.Name))
	return nil
}

// UpdateRule replaces an existing rule.
func (m *Manager) UpdateRule(rule AlertRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rules[rule.ID]; !exists {
		return xerrors.ErrRuleNotFound
	}
	m.rules[rule.ID] = rule
	m.log.Info("updated alert rule", zap.String("rule_id", rule.ID), zap.String("rule_name", rule.Name))
	return nil
}

// RemoveRule removes a rule by id, reporting whether it was present.
func (m *Manager) RemoveRule(ruleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.rules[ruleID]
	delete(m.rules, ruleID)
	return existed
}

func (m *Manager) GetRule(ruleID string) (AlertRule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[ruleID]
	return r, ok
}

func (m *Manager) ListRules() []AlertRule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	return out
}

func (m *Manager) RuleCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rules)
}

func (m *Manager) GetAlert(fingerprint string) (Alert, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alertsByFP[fingerprint]
	return a, ok
}

func (m *Manager) ListAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, 0, len(m.alertsByFP))
	for _, a := range m.alertsByFP {
		out = append(out, a)
	}
	return out
}

func (m *Manager) ActiveAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Alert
	for _, a := range m.alertsByFP {
		if a.IsActive() {
			out = append(out, a)
		}
	}
	return out
}

func (m *Manager) FiringAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Alert
	for _, a := range m.alertsByFP {
		if a.State == AlertFiring {
			out = append(out, a)
		}
	}
	return out
}

func (m *Manager) AlertCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.alertsByFP)
}

// ClearAlerts drops every tracked alert and pending-since record.
func (m *Manager) ClearAlerts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertsByFP = make(map[string]Alert)
	m.pendingSince = make(map[string]time.Time)
	m.log.Info("cleared all alerts")
}

// AddSilence registers a new silence.
func (m *Manager) AddSilence(s Silence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.silences[s.ID]; exists {
		return &xerrors.InvalidRuleError{Reason: fmt.Sprintf("silence with id %q already exists", s.ID)}
	}
	m.silences[s.ID] = s
	m.log.Info("added silence", zap.String("silence_id", s.ID), zap.Time("ends_at", s.EndsAt))
	return nil
}

func (m *Manager) RemoveSilence(silenceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.silences[silenceID]; !exists {
		return xerrors.ErrSilenceNotFound
	}
	delete(m.silences, silenceID)
	return nil
}

func (m *Manager) GetSilence(silenceID string) (Silence, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.silences[silenceID]
	return s, ok
}

func (m *Manager) ListSilences() []Silence {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Silence, 0, len(m.silences))
	for _, s := range m.silences {
		out = append(out, s)
	}
	return out
}

func (m *Manager) ActiveSilences(now time.Time) []Silence {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Silence
	for _, s := range m.silences {
		if s.IsActive(now) {
			out = append(out, s)
		}
	}
	return out
}

// IsSilenced reports whether any registered silence currently matches
// alert.
func (m *Manager) IsSilenced(alert Alert, now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.silences {
		if s.Matches(alert, now) {
			return true
		}
	}
	return false
}

// AddChannel registers a notification channel.
func (m *Manager) AddChannel(ch NotificationChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.log.Info("added notification channel", zap.String("channel", ch.Name()))
}

func (m *Manager) ChannelCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

// Evaluate runs one evaluation cycle against the supplied metric values,
// keyed by metric name, transitioning every enabled rule's alert state
// and dispatching notifications for whatever fired or resolved this
// cycle.
func (m *Manager) Evaluate(values map[string]float64, now time.Time) EvaluationResult {
	var result EvaluationResult

	m.mu.RLock()
	rules := make([]AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		rules = append(rules, r)
	}
	m.mu.RUnlock()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		result.RulesEvaluated++

		value, ok := values[rule.Condition.MetricName]
		if !ok {
			continue
		}

		fired, resolved := m.evaluateRule(rule, value, now)
		if fired != "" {
			result.AlertsFired = append(result.AlertsFired, fired)
		}
		if resolved != "" {
			result.AlertsResolved = append(result.AlertsResolved, resolved)
		}
	}

	m.finishCycle(&result, now)
	return result
}

// EvaluateFromStore runs one evaluation cycle by querying store for each
// enabled rule's metric over the trailing minute with a Last aggregation.
// A store that reports the metric missing contributes no data and the
// rule is skipped; any other store failure is counted and the loop
// continues with the remaining rules.
func (m *Manager) EvaluateFromStore(store MetricStore, now time.Time) EvaluationResult {
	var result EvaluationResult

	m.mu.RLock()
	rules := make([]AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		rules = append(rules, r)
	}
	m.mu.RUnlock()

	queryRange := TimeRange{Start: now.Add(-time.Minute), End: now}

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		result.RulesEvaluated++

		points, err := store.Query(rule.Condition.MetricName, queryRange, AggregationLast)
		if err != nil {
			if errors.Is(err, xerrors.ErrMetricNotFound) {
				continue
			}
			result.RulesErrored++
			m.log.Warn("rule evaluation failed",
				zap.String("rule_id", rule.ID),
				zap.Error(&xerrors.MetricsError{Inner: err}))
			continue
		}
		if len(points) == 0 {
			continue
		}

		fired, resolved := m.evaluateRule(rule, points[len(points)-1].Value, now)
		if fired != "" {
			result.AlertsFired = append(result.AlertsFired, fired)
		}
		if resolved != "" {
			result.AlertsResolved = append(result.AlertsResolved, resolved)
		}
	}

	m.finishCycle(&result, now)
	return result
}

// finishCycle dispatches the cycle's notifications, prunes old resolved
// alerts, and folds the cycle into the manager's running counters.
func (m *Manager) finishCycle(result *EvaluationResult, now time.Time) {
	if len(result.AlertsFired) > 0 || len(result.AlertsResolved) > 0 {
		sent, failed := m.sendNotifications(result.AlertsFired, result.AlertsResolved, now)
		result.NotificationsSent = sent
		result.NotificationFailures = failed
	}

	m.cleanupResolvedAlerts(now)

	atomic.AddUint64(&m.rulesEvaluated, uint64(result.RulesEvaluated))
	atomic.AddUint64(&m.rulesErrored, uint64(result.RulesErrored))
	atomic.AddUint64(&m.alertsFiredTotal, uint64(len(result.AlertsFired)))
	atomic.AddUint64(&m.alertsResolvedTotal, uint64(len(result.AlertsResolved)))
	atomic.AddUint64(&m.notificationsSent, uint64(result.NotificationsSent))
	atomic.AddUint64(&m.notificationFailures, uint64(result.NotificationFailures))

	m.log.Debug("evaluation complete",
		zap.Int("rules_evaluated", result.RulesEvaluated),
		zap.Int("rules_errored", result.RulesErrored),
		zap.Int("alerts_fired", len(result.AlertsFired)),
		zap.Int("alerts_resolved", len(result.AlertsResolved)))
}

// Stats returns the manager's running counters.
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		RulesEvaluated:       atomic.LoadUint64(&m.rulesEvaluated),
		RulesErrored:         atomic.LoadUint64(&m.rulesErrored),
		AlertsFired:          atomic.LoadUint64(&m.alertsFiredTotal),
		AlertsResolved:       atomic.LoadUint64(&m.alertsResolvedTotal),
		NotificationsSent:    atomic.LoadUint64(&m.notificationsSent),
		NotificationFailures: atomic.LoadUint64(&m.notificationFailures),
	}
}

func (m *Manager) evaluateRule(rule AlertRule, value float64, now time.Time) (fired, resolved string) {
	conditionMet := rule.Condition.Evaluate(value)
	fp := rule.Fingerprint()

	if conditionMet {
		if f := m.handleConditionTrue(rule, fp, value, now); f != "" {
			return f, ""
		}
		return "", ""
	}
	return "", m.handleConditionFalse(fp, now)
}

func (m *Manager) handleConditionTrue(rule AlertRule, fp string, value float64, now time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if alert, exists := m.alertsByFP[fp]; exists {
		alert.updateValue(value)

		if alert.State == AlertPending {
			if pendingStart, ok := m.pendingSince[fp]; ok {
				forDuration := time.Duration(rule.ForDurationSecs) * time.Second
				if now.Sub(pendingStart) >= forDuration {
					alert.fire()
					m.alertsByFP[fp] = alert
					m.log.Info("alert fired", zap.String("rule_id", rule.ID), zap.String("fingerprint", fp), zap.Float64("value", value))
					return fp
				}
			}
		}
		m.alertsByFP[fp] = alert
		return ""
	}

	newAlert := newPendingAlert(rule, value, nil)

	if rule.ForDurationSecs == 0 {
		newAlert.fire()
		m.alertsByFP[fp] = newAlert
		m.log.Info("alert fired immediately", zap.String("rule_id", rule.ID), zap.String("fingerprint", fp), zap.Float64("value", value))
		return fp
	}

	m.pendingSince[fp] = now
	m.alertsByFP[fp] = newAlert
	m.log.Debug("alert pending", zap.String("rule_id", rule.ID), zap.String("fingerprint", fp))
	return ""
}

func (m *Manager) handleConditionFalse(fp string, now time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pendingSince, fp)

	alert, exists := m.alertsByFP[fp]
	if !exists || !alert.IsActive() {
		return ""
	}

	wasFiring := alert.State == AlertFiring
	alert.resolve(now)
	m.alertsByFP[fp] = alert

	if wasFiring {
		m.log.Info("alert resolved", zap.String("rule_name", alert.RuleName), zap.String("fingerprint", fp))
		return fp
	}
	return ""
}

func (m *Manager) sendNotifications(fired, resolved []string, now time.Time) (sent, failed int) {
	m.mu.RLock()
	channels := append([]NotificationChannel(nil), m.channels...)
	notifyOnResolve := m.cfg.NotifyOnResolve
	firedAlerts := m.collectUnsilenced(fired, now)
	var resolvedAlerts []Alert
	if notifyOnResolve {
		resolvedAlerts = m.collectUnsilenced(resolved, now)
	}
	m.mu.RUnlock()

	if len(channels) == 0 {
		return 0, 0
	}

	if len(firedAlerts) > 0 {
		for _, ch := range channels {
			if err := ch.Send(firedAlerts); err != nil {
				m.log.Warn("notification failed", zap.String("channel", ch.Name()), zap.Error(err))
				failed++
				continue
			}
			sent++
		}
	}

	if len(resolvedAlerts) > 0 {
		for _, ch := range channels {
			if err := ch.Send(resolvedAlerts); err != nil {
				m.log.Warn("resolve notification failed", zap.String("channel", ch.Name()), zap.Error(err))
				failed++
				continue
			}
			sent++
		}
	}

	return sent, failed
}

// collectUnsilenced must be called with m.mu held (read lock suffices).
func (m *Manager) collectUnsilenced(fingerprints []string, now time.Time) []Alert {
	var out []Alert
	for _, fp := range fingerprints {
		alert, ok := m.alertsByFP[fp]
		if !ok {
			continue
		}
		silenced := false
		for _, s := range m.silences {
			if s.Matches(alert, now) {
				silenced = true
				break
			}
		}
		if !silenced {
			out = append(out, alert)
		}
	}
	return out
}

func (m *Manager) cleanupResolvedAlerts(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for fp, alert := range m.alertsByFP {
		if alert.ResolvedAt != nil && now.Sub(*alert.ResolvedAt) >= m.cfg.ResolvedAlertRetention {
			delete(m.alertsByFP, fp)
		}
	}

	if m.cfg.MaxAlerts <= 0 || len(m.alertsByFP) <= m.cfg.MaxAlerts {
		return
	}

	type resolvedEntry struct {
		fp         string
		resolvedAt time.Time
	}
	var candidates []resolvedEntry
	for fp, alert := range m.alertsByFP {
		if alert.State == AlertResolved && alert.ResolvedAt != nil {
			candidates = append(candidates, resolvedEntry{fp: fp, resolvedAt: *alert.ResolvedAt})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].resolvedAt.Before(candidates[j].resolvedAt) })

	removeCount := len(m.alertsByFP) - m.cfg.MaxAlerts
	for i := 0; i < removeCount && i < len(candidates); i++ {
		delete(m.alertsByFP, candidates[i].fp)
	}
}
