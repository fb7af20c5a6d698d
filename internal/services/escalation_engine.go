package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opshq/pulse/internal/models"
	"github.com/opshq/pulse/internal/notify"
	"gorm.io/gorm"
)

// EscalationEngine advances still-open alerts through the steps of the
// applicable escalation policies. All state lives in the store; the engine
// itself is stateless, so overlapping sweeps are tolerated — the notification
// log is what guarantees a step fires at most once per alert.
type EscalationEngine struct {
	db          *gorm.DB
	mailer      notify.Mailer
	sms         notify.SMSSender
	broadcaster Broadcaster
	now         func() time.Time
}

func NewEscalationEngine(db *gorm.DB, mailer notify.Mailer, sms notify.SMSSender, broadcaster Broadcaster) *EscalationEngine {
	return &EscalationEngine{
		db:          db,
		mailer:      mailer,
		sms:         sms,
		broadcaster: broadcaster,
		now:         time.Now,
	}
}

// SweepResult reports one sweep: alerts inspected, alerts escalated, and the
// isolated per-policy errors. The sweep never fails as a whole.
type SweepResult struct {
	Checked   int      `json:"checked"`
	Escalated int      `json:"escalated"`
	Errors    []string `json:"errors"`
}

// Sweep is the scheduled entry point. A failing policy is recorded and
// skipped; remaining policies still run.
func (e *EscalationEngine) Sweep(ctx context.Context) SweepResult {
	var result SweepResult

	var policies []models.EscalationPolicy
	err := e.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_order ASC") }).
		Where("enabled = ?", true).
		Order("trigger_after_minutes ASC").
		Find(&policies).Error
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to load policies: %s", err))
		return result
	}

	for _, policy := range policies {
		if err := e.sweepPolicy(ctx, policy, &result); err != nil {
			slog.Error("Escalation policy sweep failed", "policy", policy.Name, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("policy %s: %s", policy.Name, err))
		}
	}

	slog.Info("Escalation sweep finished",
		"policies", len(policies), "checked", result.Checked,
		"escalated", result.Escalated, "errors", len(result.Errors))
	return result
}

func (e *EscalationEngine) sweepPolicy(ctx context.Context, policy models.EscalationPolicy, result *SweepResult) error {
	if err := ValidatePolicy(policy); err != nil {
		return err
	}
	if len(policy.TriggerSeverities) == 0 {
		return nil
	}

	now := e.now()
	cutoff := now.Add(-time.Duration(policy.TriggerAfterMinutes) * time.Minute)

	// Acknowledged or resolved alerts are excluded here, which is what freezes
	// escalation the instant a human steps in.
	var alerts []models.AlertRecord
	err := e.db.WithContext(ctx).
		Where("resolved_at IS NULL AND acknowledged_at IS NULL").
		Where("severity IN ?", []string(policy.TriggerSeverities)).
		Where("triggered_at <= ?", cutoff).
		Find(&alerts).Error
	if err != nil {
		return fmt.Errorf("failed to load matching alerts: %w", err)
	}

	for _, alert := range alerts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result.Checked++

		step := dueStep(policy, now.Sub(alert.TriggeredAt))
		if step == nil {
			continue
		}

		sent, err := e.stepAlreadySent(ctx, alert, policy, step.StepOrder)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("alert %s: %s", alert.ID, err))
			continue
		}
		if sent {
			continue
		}

		if attempts := e.dispatchStep(ctx, alert, policy, *step); attempts > 0 {
			result.Escalated++
			slog.Info("Alert escalated", "alert", alert.ID, "policy", policy.Name,
				"step", step.StepOrder, "attempts", attempts)
		}
	}

	return nil
}

// dueStep resolves which single step is due for an alert: the last step whose
// cumulative activation time (trigger_after_minutes plus the waits of steps
// 2..n) has passed. Nil when no step's window has opened yet.
func dueStep(policy models.EscalationPolicy, elapsed time.Duration) *models.EscalationStep {
	cumulative := policy.TriggerAfterMinutes
	var due *models.EscalationStep
	for i := range policy.Steps {
		if i > 0 {
			cumulative += policy.Steps[i].WaitMinutes
		}
		if elapsed < time.Duration(cumulative)*time.Minute {
			break
		}
		due = &policy.Steps[i]
	}
	return due
}

// stepAlreadySent checks the idempotency ledger. Any "sent" row for the
// (alert, policy, step) triple completes the step, even if other channels
// failed — failed channels surface in the log but are never retried.
func (e *EscalationEngine) stepAlreadySent(ctx context.Context, alert models.AlertRecord, policy models.EscalationPolicy, stepOrder int) (bool, error) {
	var count int64
	err := e.db.WithContext(ctx).Model(&models.NotificationLogEntry{}).
		Where("alert_id = ? AND policy_id = ? AND step_order = ? AND status = ?",
			alert.ID, policy.ID, stepOrder, models.NotificationSent).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check notification log: %w", err)
	}
	return count > 0, nil
}

// dispatchStep notifies the step's audience on every enabled channel. Each
// attempt is logged immediately, success or failure, so a partial failure
// still marks the step complete via its successful channels. Returns the
// number of dispatch attempts.
func (e *EscalationEngine) dispatchStep(ctx context.Context, alert models.AlertRecord, policy models.EscalationPolicy, step models.EscalationStep) int {
	var targets []models.User
	if len(step.EscalateToRoles) > 0 {
		err := e.db.WithContext(ctx).
			Where("active = ? AND role IN ?", true, []string(step.EscalateToRoles)).
			Find(&targets).Error
		if err != nil {
			slog.Error("Failed to resolve escalation targets", "policy", policy.Name,
				"step", step.StepOrder, "error", err)
			return 0
		}
	}
	if len(targets) == 0 && !step.NotifyWebsocket {
		slog.Warn("Escalation step has no reachable targets", "policy", policy.Name,
			"step", step.StepOrder, "roles", []string(step.EscalateToRoles))
		return 0
	}

	subject := alert.Title
	body := alert.Description
	attempts := 0

	for _, target := range targets {
		if step.NotifyEmail {
			if target.Email == "" {
				slog.Debug("Skipping email, no address", "user", target.Username)
			} else {
				attempts++
				e.dispatchEmail(ctx, alert, policy, step, target, subject, body)
			}
		}
		if step.NotifySMS {
			if target.Phone == "" {
				slog.Debug("Skipping SMS, no phone", "user", target.Username)
			} else {
				attempts++
				e.dispatchSMS(ctx, alert, policy, step, target, subject, body)
			}
		}
	}

	// Websocket is a broadcast, not an addressed delivery: once per step.
	if step.NotifyWebsocket {
		attempts++
		e.dispatchWebsocket(ctx, alert, policy, step)
	}

	return attempts
}

func (e *EscalationEngine) dispatchEmail(ctx context.Context, alert models.AlertRecord, policy models.EscalationPolicy, step models.EscalationStep, target models.User, subject, body string) {
	var err error
	if e.mailer == nil {
		err = fmt.Errorf("email gateway not configured")
	} else {
		html := fmt.Sprintf("<h3>%s</h3><p>%s</p><p>Escalation step %d of policy %s.</p>",
			subject, body, step.StepOrder, policy.Name)
		text := fmt.Sprintf("%s\n\n%s\n\nEscalation step %d of policy %s.",
			subject, body, step.StepOrder, policy.Name)
		_, err = e.mailer.SendEmail(target.Email, subject, html, text)
	}
	e.logDispatch(ctx, alert, policy, step, models.ChannelEmail, &target.ID, err)
}

func (e *EscalationEngine) dispatchSMS(ctx context.Context, alert models.AlertRecord, policy models.EscalationPolicy, step models.EscalationStep, target models.User, subject, body string) {
	var err error
	if e.sms == nil {
		err = fmt.Errorf("sms gateway not configured")
	} else {
		msg := fmt.Sprintf("[%s] %s - %s", strings.ToUpper(alert.Severity), subject, body)
		_, err = e.sms.SendSMS(target.Phone, msg)
	}
	e.logDispatch(ctx, alert, policy, step, models.ChannelSMS, &target.ID, err)
}

func (e *EscalationEngine) dispatchWebsocket(ctx context.Context, alert models.AlertRecord, policy models.EscalationPolicy, step models.EscalationStep) {
	var err error
	if e.broadcaster == nil {
		err = fmt.Errorf("broadcast channel not configured")
	} else {
		err = e.broadcaster.Publish("escalations", map[string]any{
			"alert_id": alert.ID,
			"policy":   policy.Name,
			"step":     step.StepOrder,
			"severity": alert.Severity,
			"title":    alert.Title,
		})
	}
	e.logDispatch(ctx, alert, policy, step, models.ChannelWebsocket, nil, err)
}

// logDispatch records the attempt immediately so a crash between channels
// still leaves an accurate ledger.
func (e *EscalationEngine) logDispatch(ctx context.Context, alert models.AlertRecord, policy models.EscalationPolicy, step models.EscalationStep, channel models.Channel, recipientID *uuid.UUID, sendErr error) {
	entry := models.NotificationLogEntry{
		AlertID:     alert.ID,
		PolicyID:    policy.ID,
		StepOrder:   step.StepOrder,
		Channel:     string(channel),
		RecipientID: recipientID,
		Status:      models.NotificationSent,
		SentAt:      e.now(),
	}
	if sendErr != nil {
		entry.Status = models.NotificationFailed
		entry.ErrorMessage = sendErr.Error()
		slog.Error("Notification dispatch failed", "alert", alert.ID, "channel", channel, "error", sendErr)
	}

	if err := e.db.WithContext(ctx).Create(&entry).Error; err != nil {
		slog.Error("Failed to record notification log entry", "alert", alert.ID,
			"channel", channel, "error", err)
	}
}

// ValidatePolicy enforces the step ordering invariant: orders strictly
// increasing, starting at 1.
func ValidatePolicy(policy models.EscalationPolicy) error {
	if len(policy.Steps) == 0 {
		return fmt.Errorf("policy has no steps")
	}
	if policy.Steps[0].StepOrder != 1 {
		return fmt.Errorf("steps must start at order 1, got %d", policy.Steps[0].StepOrder)
	}
	for i := 1; i < len(policy.Steps); i++ {
		if policy.Steps[i].StepOrder <= policy.Steps[i-1].StepOrder {
			return fmt.Errorf("step orders must be strictly increasing, got %d after %d",
				policy.Steps[i].StepOrder, policy.Steps[i-1].StepOrder)
		}
	}
	return nil
}
