package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opshq/pulse/internal/models"
	"github.com/opshq/pulse/internal/notify"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Broadcaster pushes events to subscribed dashboard viewers. Fire-and-forget;
// no delivery guarantee is assumed.
type Broadcaster interface {
	Publish(topic string, payload any) error
}

// AlertLedger persists fired alerts, suppresses near-duplicates and owns the
// acknowledge/resolve lifecycle.
type AlertLedger struct {
	db             *gorm.DB
	broadcaster    Broadcaster
	mailer         notify.Mailer
	debounceWindow time.Duration
	now            func() time.Time
}

func NewAlertLedger(db *gorm.DB, broadcaster Broadcaster, mailer notify.Mailer, debounceMinutes int) *AlertLedger {
	if debounceMinutes < 1 {
		debounceMinutes = 15
	}
	return &AlertLedger{
		db:             db,
		broadcaster:    broadcaster,
		mailer:         mailer,
		debounceWindow: time.Duration(debounceMinutes) * time.Minute,
		now:            time.Now,
	}
}

// HasRecentSimilarAlert is the debounce gate: an unresolved alert for the same
// (agent, metric, alert type) triggered within the lookback window suppresses
// a new candidate. It is a best-effort query, not a lock; the partial unique
// index on alert_records closes the remaining race.
func (s *AlertLedger) HasRecentSimilarAlert(ctx context.Context, agentID uuid.UUID, metricType, alertType string, within time.Duration) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.AlertRecord{}).
		Where("agent_id = ? AND metric_type = ? AND alert_type = ?", agentID, metricType, alertType).
		Where("resolved_at IS NULL").
		Where("triggered_at > ?", s.now().Add(-within)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check for similar alerts: %w", err)
	}
	return count > 0, nil
}

// Report is the candidate-alert entry point: debounce first, then persist.
// A suppressed candidate returns ErrDuplicateAlert and no row.
func (s *AlertLedger) Report(ctx context.Context, candidate models.CandidateAlert) (*models.AlertRecord, error) {
	metricType := DominantMetric(candidate.ContributingIndicators)

	similar, err := s.HasRecentSimilarAlert(ctx, candidate.AgentID, metricType, candidate.AlertType, s.debounceWindow)
	if err != nil {
		return nil, err
	}
	if similar {
		slog.Info("Candidate alert suppressed by debounce",
			"agent", candidate.AgentID, "metric", metricType, "type", candidate.AlertType)
		return nil, ErrDuplicateAlert
	}

	return s.SaveAlert(ctx, candidate)
}

// SaveAlert persists a candidate as an immutable alert row and, if requested,
// broadcasts an "alert created" event. A failed broadcast is logged and
// swallowed; the alert is already durable at that point.
func (s *AlertLedger) SaveAlert(ctx context.Context, candidate models.CandidateAlert) (*models.AlertRecord, error) {
	if err := validateCandidate(&candidate); err != nil {
		return nil, err
	}

	var agent models.Agent
	if err := s.db.WithContext(ctx).First(&agent, "id = ?", candidate.AgentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up agent: %w", err)
	}

	metricType := DominantMetric(candidate.ContributingIndicators)
	indicators, _ := json.Marshal(candidate.ContributingIndicators)
	snapshot, _ := json.Marshal(candidate.MetricSnapshot)

	record := models.AlertRecord{
		AgentID:                candidate.AgentID,
		ConfigID:               candidate.ConfigID,
		MetricType:             metricType,
		AlertType:              candidate.AlertType,
		Severity:               candidate.Severity,
		IndicatorCount:         candidate.IndicatorCount,
		ContributingIndicators: datatypes.JSON(indicators),
		MetricSnapshot:         datatypes.JSON(snapshot),
		Title:                  fmt.Sprintf("%s: %s %s alert", agent.Name, metricType, candidate.Severity),
		Description:            buildDescription(metricType, candidate),
		TriggeredAt:            s.now(),
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		// The partial unique index rejects a second open alert for the same
		// (agent, metric, type): a concurrent candidate already won the race.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			slog.Info("Candidate alert suppressed by open-alert constraint",
				"agent", candidate.AgentID, "metric", metricType, "type", candidate.AlertType)
			return nil, ErrDuplicateAlert
		}
		return nil, fmt.Errorf("failed to save alert: %w", err)
	}

	// Dashboard viewers subscribe over the same hub; either flag broadcasts.
	if (candidate.NotifyWebsocket || candidate.NotifyDashboard) && s.broadcaster != nil {
		if err := s.broadcaster.Publish("alerts", record); err != nil {
			slog.Error("Alert broadcast failed", "alert", record.ID, "error", err)
		}
	}

	if candidate.NotifyEmail {
		s.emailOwner(ctx, agent, record)
	}

	slog.Info("Alert saved", "alert", record.ID, "agent", agent.Name,
		"metric", metricType, "severity", record.Severity)
	return &record, nil
}

// emailOwner sends the creation-time email to the agent's owner. Best-effort
// like the broadcast: the alert is already durable, so a failed or
// unaddressable send is logged and swallowed.
func (s *AlertLedger) emailOwner(ctx context.Context, agent models.Agent, record models.AlertRecord) {
	if s.mailer == nil || agent.OwnerID == nil {
		return
	}

	var owner models.User
	if err := s.db.WithContext(ctx).First(&owner, "id = ?", *agent.OwnerID).Error; err != nil {
		slog.Warn("Alert email skipped, owner lookup failed", "alert", record.ID, "error", err)
		return
	}
	if !owner.Active || owner.Email == "" {
		slog.Debug("Alert email skipped, owner unreachable", "alert", record.ID, "user", owner.Username)
		return
	}

	html := fmt.Sprintf("<h3>%s</h3><p>%s</p>", record.Title, record.Description)
	text := fmt.Sprintf("%s\n\n%s", record.Title, record.Description)
	if _, err := s.mailer.SendEmail(owner.Email, record.Title, html, text); err != nil {
		slog.Error("Alert email failed", "alert", record.ID, "to", owner.Email, "error", err)
	}
}

// Acknowledge stamps the alert as acknowledged. A repeat acknowledge simply
// re-stamps the timestamp; acknowledgment is not a scarce resource.
func (s *AlertLedger) Acknowledge(ctx context.Context, alertID, actorID uuid.UUID) (*models.AlertRecord, error) {
	var alert models.AlertRecord
	if err := s.db.WithContext(ctx).First(&alert, "id = ?", alertID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	now := s.now()
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = &actorID
	if err := s.db.WithContext(ctx).Save(&alert).Error; err != nil {
		return nil, fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	return &alert, nil
}

// Resolve closes the alert. Resolution is terminal for this pipeline: a
// resolved alert is never reopened here.
func (s *AlertLedger) Resolve(ctx context.Context, alertID, actorID uuid.UUID, notes string) (*models.AlertRecord, error) {
	var alert models.AlertRecord
	if err := s.db.WithContext(ctx).First(&alert, "id = ?", alertID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	now := s.now()
	alert.ResolvedAt = &now
	alert.ResolvedBy = &actorID
	if notes != "" {
		alert.Notes = notes
	}
	if err := s.db.WithContext(ctx).Save(&alert).Error; err != nil {
		return nil, fmt.Errorf("failed to resolve alert: %w", err)
	}
	return &alert, nil
}

// AlertFilter composes the history query. Nil pointer fields are "don't care";
// Acknowledged/Resolved are tri-state for that reason.
type AlertFilter struct {
	AgentID      *uuid.UUID
	MetricType   string
	AlertType    string
	Severity     string
	From         *time.Time
	To           *time.Time
	Acknowledged *bool
	Resolved     *bool
	Limit        int
}

func (s *AlertLedger) ListHistory(ctx context.Context, filter AlertFilter) ([]models.AlertRecord, error) {
	query := s.db.WithContext(ctx).Model(&models.AlertRecord{})

	if filter.AgentID != nil {
		query = query.Where("agent_id = ?", *filter.AgentID)
	}
	if filter.MetricType != "" {
		query = query.Where("metric_type = ?", filter.MetricType)
	}
	if filter.AlertType != "" {
		query = query.Where("alert_type = ?", filter.AlertType)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.From != nil {
		query = query.Where("triggered_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("triggered_at < ?", *filter.To)
	}
	if filter.Acknowledged != nil {
		if *filter.Acknowledged {
			query = query.Where("acknowledged_at IS NOT NULL")
		} else {
			query = query.Where("acknowledged_at IS NULL")
		}
	}
	if filter.Resolved != nil {
		if *filter.Resolved {
			query = query.Where("resolved_at IS NOT NULL")
		} else {
			query = query.Where("resolved_at IS NULL")
		}
	}

	limit := filter.Limit
	if limit < 1 || limit > 500 {
		limit = 100
	}

	var alerts []models.AlertRecord
	if err := query.Order("triggered_at DESC").Limit(limit).Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return alerts, nil
}

// ListActive returns unresolved alerts, optionally for one agent.
func (s *AlertLedger) ListActive(ctx context.Context, agentID *uuid.UUID) ([]models.AlertRecord, error) {
	query := s.db.WithContext(ctx).Where("resolved_at IS NULL")
	if agentID != nil {
		query = query.Where("agent_id = ?", *agentID)
	}

	var alerts []models.AlertRecord
	if err := query.Order("triggered_at DESC").Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("failed to list active alerts: %w", err)
	}
	return alerts, nil
}

// AlertStats summarizes the ledger. Mean times for still-open rows are
// measured against the current clock.
type AlertStats struct {
	Total                 int64            `json:"total"`
	Open                  int64            `json:"open"`
	BySeverity            map[string]int64 `json:"by_severity"`
	MeanTimeToAckSecs     float64          `json:"mean_time_to_ack_secs"`
	MeanTimeToResolveSecs float64          `json:"mean_time_to_resolve_secs"`
}

func (s *AlertLedger) Stats(ctx context.Context, since *time.Time) (*AlertStats, error) {
	query := s.db.WithContext(ctx).Model(&models.AlertRecord{})
	if since != nil {
		query = query.Where("triggered_at >= ?", *since)
	}

	var alerts []models.AlertRecord
	if err := query.Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("failed to load alerts for stats: %w", err)
	}

	stats := &AlertStats{BySeverity: make(map[string]int64)}
	now := s.now()

	var ackTotal, resolveTotal time.Duration
	for i := range alerts {
		a := &alerts[i]
		stats.Total++
		stats.BySeverity[a.Severity]++
		if a.Open() {
			stats.Open++
		}

		if a.AcknowledgedAt != nil {
			ackTotal += a.AcknowledgedAt.Sub(a.TriggeredAt)
		} else {
			ackTotal += now.Sub(a.TriggeredAt)
		}
		if a.ResolvedAt != nil {
			resolveTotal += a.ResolvedAt.Sub(a.TriggeredAt)
		} else {
			resolveTotal += now.Sub(a.TriggeredAt)
		}
	}

	if stats.Total > 0 {
		stats.MeanTimeToAckSecs = ackTotal.Seconds() / float64(stats.Total)
		stats.MeanTimeToResolveSecs = resolveTotal.Seconds() / float64(stats.Total)
	}
	return stats, nil
}

// DominantMetric picks whichever of cpu/memory/disk contributed the largest
// value; ties break in the fixed priority order cpu > memory > disk.
func DominantMetric(indicators map[string]float64) string {
	dominant := models.MetricCPU
	best := indicators[models.MetricCPU]
	for _, metric := range []string{models.MetricMemory, models.MetricDisk} {
		if v, ok := indicators[metric]; ok && v > best {
			dominant = metric
			best = v
		}
	}
	return dominant
}

func validateCandidate(c *models.CandidateAlert) error {
	if c.AgentID == uuid.Nil {
		return &ValidationError{Field: "agent_id", Reason: "required"}
	}
	switch c.Severity {
	case models.SeverityInfo, models.SeverityWarning, models.SeverityCritical:
	default:
		return &ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", c.Severity)}
	}
	if c.AlertType == "" {
		return &ValidationError{Field: "alert_type", Reason: "required"}
	}
	return nil
}

func buildDescription(metricType string, c models.CandidateAlert) string {
	switch c.AlertType {
	case models.AlertTypeConfluence:
		return fmt.Sprintf("%d indicators crossed their %s thresholds together (%s severity)",
			c.IndicatorCount, metricType, c.Severity)
	case models.AlertTypeAnomaly:
		return fmt.Sprintf("Anomalous %s behavior detected (%s severity, %d indicators)",
			metricType, c.Severity, c.IndicatorCount)
	default:
		return fmt.Sprintf("%s crossed its configured threshold (%s severity, %d indicators)",
			metricType, c.Severity, c.IndicatorCount)
	}
}
