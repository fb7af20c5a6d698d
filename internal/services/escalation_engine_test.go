package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opshq/pulse/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func createPolicy(t *testing.T, db *gorm.DB, name string, triggerAfter int, steps ...models.EscalationStep) models.EscalationPolicy {
	t.Helper()
	policy := models.EscalationPolicy{
		Name:                name,
		Enabled:             true,
		TriggerSeverities:   datatypes.NewJSONSlice([]string{models.SeverityCritical}),
		TriggerAfterMinutes: triggerAfter,
		Steps:               steps,
	}
	require.NoError(t, db.Create(&policy).Error)
	return policy
}

func logEntries(t *testing.T, db *gorm.DB) []models.NotificationLogEntry {
	t.Helper()
	var entries []models.NotificationLogEntry
	require.NoError(t, db.Order("sent_at ASC, step_order ASC").Find(&entries).Error)
	return entries
}

func TestSweepSteppedEscalation(t *testing.T) {
	db := newTestDB(t)
	mailer := &fakeMailer{}
	engine := NewEscalationEngine(db, mailer, nil, nil)

	agent := createAgent(t, db, "web-1")
	tech := createUser(t, db, "tech-1", models.RoleTech, "tech@example.com", "")
	admin := createUser(t, db, "admin-1", models.RoleAdmin, "admin@example.com", "")

	createPolicy(t, db, "critical-unhandled", 10,
		models.EscalationStep{StepOrder: 1, WaitMinutes: 0,
			EscalateToRoles: datatypes.NewJSONSlice([]string{models.RoleTech}), NotifyEmail: true},
		models.EscalationStep{StepOrder: 2, WaitMinutes: 15,
			EscalateToRoles: datatypes.NewJSONSlice([]string{models.RoleAdmin}), NotifyEmail: true},
	)

	t0 := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	alert := createOpenAlert(t, db, agent.ID, models.SeverityCritical, t0)
	ctx := context.Background()

	// t0+12m: the trigger window has passed, step 2 has not.
	engine.now = fixedClock(t0.Add(12 * time.Minute))
	result := engine.Sweep(ctx)
	assert.Equal(t, 1, result.Escalated)
	assert.Empty(t, result.Errors)
	require.Equal(t, []string{"tech@example.com"}, mailer.sent)

	entries := logEntries(t, db)
	require.Len(t, entries, 1)
	assert.Equal(t, alert.ID, entries[0].AlertID)
	assert.Equal(t, 1, entries[0].StepOrder)
	assert.Equal(t, string(models.ChannelEmail), entries[0].Channel)
	assert.Equal(t, models.NotificationSent, entries[0].Status)
	assert.Equal(t, tech.ID, *entries[0].RecipientID)

	// t0+24m: still inside step 1's window (step 2 opens at +25m). Nothing new.
	engine.now = fixedClock(t0.Add(24 * time.Minute))
	result = engine.Sweep(ctx)
	assert.Equal(t, 0, result.Escalated)
	require.Len(t, logEntries(t, db), 1)

	// t0+26m: step 2 is due; step 1 never repeats.
	engine.now = fixedClock(t0.Add(26 * time.Minute))
	result = engine.Sweep(ctx)
	assert.Equal(t, 1, result.Escalated)
	require.Equal(t, []string{"tech@example.com", "admin@example.com"}, mailer.sent)

	entries = logEntries(t, db)
	require.Len(t, entries, 2)
	assert.Equal(t, 2, entries[1].StepOrder)
	assert.Equal(t, admin.ID, *entries[1].RecipientID)
}

func TestSweepIdempotentBackToBack(t *testing.T) {
	db := newTestDB(t)
	mailer := &fakeMailer{}
	engine := NewEscalationEngine(db, mailer, nil, nil)

	agent := createAgent(t, db, "web-1")
	createUser(t, db, "tech-1", models.RoleTech, "tech@example.com", "")
	createPolicy(t, db, "critical-unhandled", 10,
		models.EscalationStep{StepOrder: 1,
			EscalateToRoles: datatypes.NewJSONSlice([]string{models.RoleTech}), NotifyEmail: true},
	)

	t0 := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	createOpenAlert(t, db, agent.ID, models.SeverityCritical, t0)
	engine.now = fixedClock(t0.Add(11 * time.Minute))

	first := engine.Sweep(context.Background())
	second := engine.Sweep(context.Background())

	assert.Equal(t, 1, first.Escalated)
	assert.Equal(t, 0, second.Escalated)
	assert.Len(t, mailer.sent, 1)
	assert.Len(t, logEntries(t, db), 1)
}

func TestSweepSkipsHandledAlerts(t *testing.T) {
	db := newTestDB(t)
	mailer := &fakeMailer{}
	engine := NewEscalationEngine(db, mailer, nil, nil)

	agent := createAgent(t, db, "web-1")
	actor := createUser(t, db, "tech-1", models.RoleTech, "tech@example.com", "")
	createPolicy(t, db, "critical-unhandled", 10,
		models.EscalationStep{StepOrder: 1,
			EscalateToRoles: datatypes.NewJSONSlice([]string{models.RoleTech}), NotifyEmail: true},
	)

	t0 := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	acked := createOpenAlert(t, db, agent.ID, models.SeverityCritical, t0)
	now := t0.Add(time.Minute)
	acked.AcknowledgedAt = &now
	acked.AcknowledgedBy = &actor.ID
	require.NoError(t, db.Save(&acked).Error)

	engine.now = fixedClock(t0.Add(30 * time.Minute))
	result := engine.Sweep(context.Background())

	assert.Equal(t, 0, result.Checked)
	assert.Equal(t, 0, result.Escalated)
	assert.Empty(t, mailer.sent)
}

func TestSweepAcknowledgeFreezesEscalation(t *testing.T) {
	db := newTestDB(t)
	mailer := &fakeMailer{}
	engine := NewEscalationEngine(db, mailer, nil, nil)

	agent := createAgent(t, db, "web-1")
	actor := createUser(t, db, "tech-1", models.RoleTech, "tech@example.com", "")
	createUser(t, db, "admin-1", models.RoleAdmin, "admin@example.com", "")
	createPolicy(t, db, "critical-unhandled", 10,
		models.EscalationStep{StepOrder: 1,
			EscalateToRoles: datatypes.NewJSONSlice([]string{models.RoleTech}), NotifyEmail: true},
		models.EscalationStep{StepOrder: 2, WaitMinutes: 15,
			EscalateToRoles: datatypes.NewJSONSlice([]string{models.RoleAdmin}), NotifyEmail: true},
	)

	t0 := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	alert := createOpenAlert(t, db, agent.ID, models.SeverityCritical, t0)

	engine.now = fixedClock(t0.Add(12 * time.Minute))
	engine.Sweep(context.Background())
	require.Len(t, mailer.sent, 1)

	// Acknowledged between sweeps: step 2 must never fire.
	ackAt := t0.Add(14 * time.Minute)
	alert.AcknowledgedAt = &ackAt
	alert.AcknowledgedBy = &actor.ID
	require.NoError(t, db.Save(&alert).Error)

	engine.now = fixedClock(t0.Add(40 * time.Minute))
	result := engine.Sweep(context.Background())
	assert.Equal(t, 0, result.Escalated)
	assert.Len(t, mailer.sent, 1)
	assert.Len(t, logEntries(t, db), 1)
}

func TestSweepPartialChannelFailureCompletesStep(t *testing.T) {
	db := newTestDB(t)
	mailer := &fakeMailer{}
	sms := &fakeSMS{failWith: errors.New("gateway timeout")}
	engine := NewEscalationEngine(db, mailer, sms, nil)

	agent := createAgent(t, db, "web-1")
	createUser(t, db, "tech-1", models.RoleTech, "tech@example.com", "+15550001")
	createPolicy(t, db, "critical-unhandled", 10,
		models.EscalationStep{StepOrder: 1,
			EscalateToRoles: datatypes.NewJSONSlice([]string{models.RoleTech}),
			NotifyEmail:     true, NotifySMS: true},
	)

	t0 := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	createOpenAlert(t, db, agent.ID, models.SeverityCritical, t0)
	engine.now = fixedClock(t0.Add(11 * time.Minute))

	result := engine.Sweep(context.Background())
	assert.Equal(t, 1, result.Escalated)

	entries := logEntries(t, db)
	require.Len(t, entries, 2)
	statusByChannel := map[string]string{}
	errByChannel := map[string]string{}
	for _, entry := range entries {
		statusByChannel[entry.Channel] = entry.Status
		errByChannel[entry.Channel] = entry.ErrorMessage
	}
	assert.Equal(t, models.NotificationSent, statusByChannel[string(models.ChannelEmail)])
	assert.Equal(t, models.NotificationFailed, statusByChannel[string(models.ChannelSMS)])
	assert.Equal(t, "gateway timeout", errByChannel[string(models.ChannelSMS)])

	// The email success completes the step: the SMS failure is never retried.
	second := engine.Sweep(context.Background())
	assert.Equal(t, 0, second.Escalated)
	assert.Len(t, logEntries(t, db), 2)
	assert.Len(t, sms.sent, 0)
}

func TestSweepSkipsTargetsWithoutAddress(t *testing.T) {
	db := newTestDB(t)
	mailer := &fakeMailer{}
	engine := NewEscalationEngine(db, mailer, nil, nil)

	agent := createAgent(t, db, "web-1")
	createUser(t, db, "tech-1", models.RoleTech, "", "")
	createPolicy(t, db, "critical-unhandled", 10,
		models.EscalationStep{StepOrder: 1,
			EscalateToRoles: datatypes.NewJSONSlice([]string{models.RoleTech}), NotifyEmail: true},
	)

	t0 := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	createOpenAlert(t, db, agent.ID, models.SeverityCritical, t0)
	engine.now = fixedClock(t0.Add(11 * time.Minute))

	result := engine.Sweep(context.Background())
	assert.Equal(t, 0, result.Escalated)
	assert.Empty(t, mailer.sent)
	assert.Empty(t, logEntries(t, db))
}

func TestSweepMalformedPolicyIsolated(t *testing.T) {
	db := newTestDB(t)
	mailer := &fakeMailer{}
	engine := NewEscalationEngine(db, mailer, nil, nil)

	agent := createAgent(t, db, "web-1")
	createUser(t, db, "tech-1", models.RoleTech, "tech@example.com", "")

	// Steps start at 2: invalid ordering.
	createPolicy(t, db, "broken", 5,
		models.EscalationStep{StepOrder: 2,
			EscalateToRoles: datatypes.NewJSONSlice([]string{models.RoleTech}), NotifyEmail: true},
	)
	createPolicy(t, db, "healthy", 10,
		models.EscalationStep{StepOrder: 1,
			EscalateToRoles: datatypes.NewJSONSlice([]string{models.RoleTech}), NotifyEmail: true},
	)

	t0 := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	createOpenAlert(t, db, agent.ID, models.SeverityCritical, t0)
	engine.now = fixedClock(t0.Add(11 * time.Minute))

	result := engine.Sweep(context.Background())
	assert.Equal(t, 1, result.Escalated)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "broken")
	assert.Len(t, mailer.sent, 1)
}

func TestSweepIgnoresDisabledPolicyAndSeverityMismatch(t *testing.T) {
	db := newTestDB(t)
	mailer := &fakeMailer{}
	engine := NewEscalationEngine(db, mailer, nil, nil)

	agent := createAgent(t, db, "web-1")
	createUser(t, db, "tech-1", models.RoleTech, "tech@example.com", "")

	disabled := createPolicy(t, db, "disabled", 10,
		models.EscalationStep{StepOrder: 1,
			EscalateToRoles: datatypes.NewJSONSlice([]string{models.RoleTech}), NotifyEmail: true},
	)
	require.NoError(t, db.Model(&disabled).Update("enabled", false).Error)

	t0 := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	// Warning severity never matches the critical-only trigger list.
	createOpenAlert(t, db, agent.ID, models.SeverityWarning, t0)
	engine.now = fixedClock(t0.Add(time.Hour))

	result := engine.Sweep(context.Background())
	assert.Equal(t, 0, result.Checked)
	assert.Equal(t, 0, result.Escalated)
	assert.Empty(t, mailer.sent)
}

func TestSweepWebsocketOncePerStep(t *testing.T) {
	db := newTestDB(t)
	bc := &fakeBroadcaster{}
	engine := NewEscalationEngine(db, nil, nil, bc)

	agent := createAgent(t, db, "web-1")
	// Two tech users must not double the broadcast.
	createUser(t, db, "tech-1", models.RoleTech, "", "")
	createUser(t, db, "tech-2", models.RoleTech, "", "")
	createPolicy(t, db, "critical-unhandled", 10,
		models.EscalationStep{StepOrder: 1,
			EscalateToRoles: datatypes.NewJSONSlice([]string{models.RoleTech}), NotifyWebsocket: true},
	)

	t0 := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	createOpenAlert(t, db, agent.ID, models.SeverityCritical, t0)
	engine.now = fixedClock(t0.Add(11 * time.Minute))

	result := engine.Sweep(context.Background())
	assert.Equal(t, 1, result.Escalated)
	assert.Equal(t, []string{"escalations"}, bc.published)

	entries := logEntries(t, db)
	require.Len(t, entries, 1)
	assert.Equal(t, string(models.ChannelWebsocket), entries[0].Channel)
	assert.Nil(t, entries[0].RecipientID)
}

func TestSweepUnconfiguredGatewayLogsFailure(t *testing.T) {
	db := newTestDB(t)
	engine := NewEscalationEngine(db, nil, nil, nil)

	agent := createAgent(t, db, "web-1")
	createUser(t, db, "tech-1", models.RoleTech, "tech@example.com", "")
	createPolicy(t, db, "critical-unhandled", 10,
		models.EscalationStep{StepOrder: 1,
			EscalateToRoles: datatypes.NewJSONSlice([]string{models.RoleTech}), NotifyEmail: true},
	)

	t0 := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	createOpenAlert(t, db, agent.ID, models.SeverityCritical, t0)
	engine.now = fixedClock(t0.Add(11 * time.Minute))

	engine.Sweep(context.Background())

	entries := logEntries(t, db)
	require.Len(t, entries, 1)
	assert.Equal(t, models.NotificationFailed, entries[0].Status)
	assert.Contains(t, entries[0].ErrorMessage, "not configured")
}

func TestDueStep(t *testing.T) {
	policy := models.EscalationPolicy{
		TriggerAfterMinutes: 10,
		Steps: []models.EscalationStep{
			{StepOrder: 1, WaitMinutes: 0},
			{StepOrder: 2, WaitMinutes: 15},
			{StepOrder: 3, WaitMinutes: 30},
		},
	}

	cases := []struct {
		elapsed time.Duration
		want    int // 0 means no step due
	}{
		{5 * time.Minute, 0},
		{10 * time.Minute, 1},
		{24 * time.Minute, 1},
		{25 * time.Minute, 2},
		{54 * time.Minute, 2},
		{55 * time.Minute, 3},
		{5 * time.Hour, 3},
	}
	for _, tc := range cases {
		step := dueStep(policy, tc.elapsed)
		if tc.want == 0 {
			assert.Nil(t, step, "elapsed %s", tc.elapsed)
		} else {
			require.NotNil(t, step, "elapsed %s", tc.elapsed)
			assert.Equal(t, tc.want, step.StepOrder, "elapsed %s", tc.elapsed)
		}
	}
}

func TestValidatePolicy(t *testing.T) {
	step := func(order int) models.EscalationStep { return models.EscalationStep{StepOrder: order} }

	assert.Error(t, ValidatePolicy(models.EscalationPolicy{}))
	assert.Error(t, ValidatePolicy(models.EscalationPolicy{Steps: []models.EscalationStep{step(2)}}))
	assert.Error(t, ValidatePolicy(models.EscalationPolicy{Steps: []models.EscalationStep{step(1), step(1)}}))
	assert.Error(t, ValidatePolicy(models.EscalationPolicy{Steps: []models.EscalationStep{step(1), step(3), step(2)}}))
	assert.NoError(t, ValidatePolicy(models.EscalationPolicy{Steps: []models.EscalationStep{step(1), step(2), step(3)}}))
}
