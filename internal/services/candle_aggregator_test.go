package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opshq/pulse/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSamples(t *testing.T, agg *CandleAggregator, agentID uuid.UUID, base time.Time, count int, step time.Duration) {
	t.Helper()
	samples := make([]models.MetricSample, 0, count)
	for i := 0; i < count; i++ {
		samples = append(samples, models.MetricSample{
			AgentID:       agentID,
			CPUPercent:    float64(i),
			MemoryPercent: float64(100 - i%7),
			DiskPercent:   float64(50 + i%10),
			CollectedAt:   base.Add(time.Duration(i) * step),
		})
	}
	require.NoError(t, agg.db.Create(&samples).Error)
}

func TestGenerateTwoHourWindows(t *testing.T) {
	db := newTestDB(t)
	agg := NewCandleAggregator(db)
	agent := createAgent(t, db, "web-1")

	// 120 samples, one per minute, spanning exactly two 1-hour buckets.
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	seedSamples(t, agg, agent.ID, base, 120, time.Minute)

	written, err := agg.Generate(context.Background(), agent.ID, models.Resolution1Hour, base, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	var candles []models.Candle
	require.NoError(t, db.Where("agent_id = ?", agent.ID).Order("bucket_start ASC").Find(&candles).Error)
	require.Len(t, candles, 2)

	first, second := candles[0], candles[1]
	assert.True(t, first.BucketStart.Equal(base))
	assert.True(t, first.BucketEnd.Equal(base.Add(time.Hour)))
	assert.Equal(t, 60, first.SampleCount)
	assert.Equal(t, 60, second.SampleCount)

	// CPU rises monotonically: open/low are the first sample, high/close the last.
	assert.Equal(t, 0.0, first.CPUOpen)
	assert.Equal(t, 0.0, first.CPULow)
	assert.Equal(t, 59.0, first.CPUHigh)
	assert.Equal(t, 59.0, first.CPUClose)
	assert.Equal(t, 60.0, second.CPUOpen)
	assert.Equal(t, 119.0, second.CPUClose)

	// Memory cycles 100..94: extrema computed over the bucket.
	assert.Equal(t, 100.0, first.MemoryOpen)
	assert.Equal(t, 100.0, first.MemoryHigh)
	assert.Equal(t, 94.0, first.MemoryLow)
}

func TestGenerateOHLCInvariants(t *testing.T) {
	db := newTestDB(t)
	agg := NewCandleAggregator(db)
	agent := createAgent(t, db, "web-1")

	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	seedSamples(t, agg, agent.ID, base, 200, 97*time.Second)

	_, err := agg.Generate(context.Background(), agent.ID, models.Resolution15Min, base, base.Add(24*time.Hour))
	require.NoError(t, err)

	var candles []models.Candle
	require.NoError(t, db.Where("agent_id = ?", agent.ID).Find(&candles).Error)
	require.NotEmpty(t, candles)

	total := 0
	for _, c := range candles {
		assert.GreaterOrEqual(t, c.SampleCount, 1)
		assert.LessOrEqual(t, c.CPULow, min(c.CPUOpen, c.CPUClose))
		assert.GreaterOrEqual(t, c.CPUHigh, max(c.CPUOpen, c.CPUClose))
		assert.LessOrEqual(t, c.MemoryLow, min(c.MemoryOpen, c.MemoryClose))
		assert.GreaterOrEqual(t, c.MemoryHigh, max(c.MemoryOpen, c.MemoryClose))
		assert.LessOrEqual(t, c.DiskLow, min(c.DiskOpen, c.DiskClose))
		assert.GreaterOrEqual(t, c.DiskHigh, max(c.DiskOpen, c.DiskClose))
		total += c.SampleCount
	}
	assert.Equal(t, 200, total)
}

func TestGenerateMidBucketStartKeepsFullBucket(t *testing.T) {
	db := newTestDB(t)
	agg := NewCandleAggregator(db)
	agent := createAgent(t, db, "web-1")

	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	seedSamples(t, agg, agent.ID, base, 60, time.Minute)

	_, err := agg.Generate(context.Background(), agent.ID, models.Resolution1Hour, base, base.Add(time.Hour))
	require.NoError(t, err)

	// A refresh window opening halfway through the bucket must recompute it
	// from all 60 samples, not overwrite it with the trailing 30.
	_, err = agg.Generate(context.Background(), agent.ID, models.Resolution1Hour,
		base.Add(30*time.Minute), base.Add(time.Hour))
	require.NoError(t, err)

	var candle models.Candle
	require.NoError(t, db.First(&candle, "agent_id = ?", agent.ID).Error)
	assert.True(t, candle.BucketStart.Equal(base))
	assert.Equal(t, 60, candle.SampleCount)
	assert.Equal(t, 0.0, candle.CPUOpen)
	assert.Equal(t, 0.0, candle.CPULow)
	assert.Equal(t, 59.0, candle.CPUClose)
}

func TestGenerateIdempotent(t *testing.T) {
	db := newTestDB(t)
	agg := NewCandleAggregator(db)
	agent := createAgent(t, db, "web-1")

	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	seedSamples(t, agg, agent.ID, base, 120, time.Minute)

	_, err := agg.Generate(context.Background(), agent.ID, models.Resolution1Hour, base, base.Add(2*time.Hour))
	require.NoError(t, err)

	var before []models.Candle
	require.NoError(t, db.Where("agent_id = ?", agent.ID).Order("bucket_start ASC").Find(&before).Error)

	_, err = agg.Generate(context.Background(), agent.ID, models.Resolution1Hour, base, base.Add(2*time.Hour))
	require.NoError(t, err)

	var after []models.Candle
	require.NoError(t, db.Where("agent_id = ?", agent.ID).Order("bucket_start ASC").Find(&after).Error)

	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID, "regeneration must update in place, not insert")
		assert.Equal(t, before[i].CPUOpen, after[i].CPUOpen)
		assert.Equal(t, before[i].CPUHigh, after[i].CPUHigh)
		assert.Equal(t, before[i].CPULow, after[i].CPULow)
		assert.Equal(t, before[i].CPUClose, after[i].CPUClose)
		assert.Equal(t, before[i].SampleCount, after[i].SampleCount)
	}
}

func TestGenerateSkipsEmptyBuckets(t *testing.T) {
	db := newTestDB(t)
	agg := NewCandleAggregator(db)
	agent := createAgent(t, db, "web-1")

	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	// Samples in hour 0 and hour 2, nothing in hour 1.
	seedSamples(t, agg, agent.ID, base, 10, time.Minute)
	seedSamples(t, agg, agent.ID, base.Add(2*time.Hour), 10, time.Minute)

	written, err := agg.Generate(context.Background(), agent.ID, models.Resolution1Hour, base, base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	var count int64
	db.Model(&models.Candle{}).Where("agent_id = ?", agent.ID).Count(&count)
	assert.EqualValues(t, 2, count)
}

func TestGenerateNoSamplesIsNoop(t *testing.T) {
	db := newTestDB(t)
	agg := NewCandleAggregator(db)
	agent := createAgent(t, db, "web-1")

	written, err := agg.Generate(context.Background(), agent.ID, models.Resolution1Hour,
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, written)
}

func TestGenerateRejectsRawResolution(t *testing.T) {
	db := newTestDB(t)
	agg := NewCandleAggregator(db)

	_, err := agg.Generate(context.Background(), uuid.New(), models.ResolutionRaw, time.Now().Add(-time.Hour), time.Now())
	assert.True(t, IsValidation(err))
}

func TestGenerateForAllAgentsSkipsInactive(t *testing.T) {
	db := newTestDB(t)
	agg := NewCandleAggregator(db)
	active := createAgent(t, db, "active-1")
	inactive := createAgent(t, db, "inactive-1")
	require.NoError(t, db.Model(&inactive).Update("active", false).Error)

	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	seedSamples(t, agg, active.ID, base, 30, time.Minute)
	seedSamples(t, agg, inactive.ID, base, 30, time.Minute)

	summary := agg.GenerateForAllAgents(context.Background(), base, base.Add(time.Hour))
	assert.Equal(t, 1, summary.Agents)
	assert.Empty(t, summary.Errors)
	assert.NotZero(t, summary.Candles[models.Resolution15Min])

	var count int64
	db.Model(&models.Candle{}).Where("agent_id = ?", inactive.ID).Count(&count)
	assert.Zero(t, count)
}

func TestBackfillUnknownAgent(t *testing.T) {
	db := newTestDB(t)
	agg := NewCandleAggregator(db)

	_, err := agg.Backfill(context.Background(), uuid.New(), 30)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBackfillIdempotent(t *testing.T) {
	db := newTestDB(t)
	agg := NewCandleAggregator(db)
	agent := createAgent(t, db, "web-1")

	now := time.Date(2026, 3, 12, 12, 0, 0, 0, time.UTC)
	agg.now = fixedClock(now)
	seedSamples(t, agg, agent.ID, now.Add(-48*time.Hour), 100, 10*time.Minute)

	first, err := agg.Backfill(context.Background(), agent.ID, 3)
	require.NoError(t, err)
	require.NotZero(t, first)

	var countAfterFirst int64
	db.Model(&models.Candle{}).Count(&countAfterFirst)

	second, err := agg.Backfill(context.Background(), agent.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var countAfterSecond int64
	db.Model(&models.Candle{}).Count(&countAfterSecond)
	assert.Equal(t, countAfterFirst, countAfterSecond)
}

func TestGetCandlesRawSentinel(t *testing.T) {
	db := newTestDB(t)
	agg := NewCandleAggregator(db)
	agent := createAgent(t, db, "web-1")

	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	seedSamples(t, agg, agent.ID, base, 20, time.Minute)

	result, err := agg.GetCandles(context.Background(), agent.ID, models.ResolutionRaw, 10)
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionRaw, result.Resolution)
	assert.Len(t, result.Samples, 10)
	assert.Empty(t, result.Candles)

	// Most recent first.
	assert.True(t, result.Samples[0].CollectedAt.After(result.Samples[9].CollectedAt))
}

func TestEffectiveResolutionFallbackChain(t *testing.T) {
	db := newTestDB(t)
	agg := NewCandleAggregator(db)
	ctx := context.Background()

	// Unknown agent: raw with a warning, not an error.
	assert.Equal(t, models.ResolutionRaw, agg.EffectiveResolution(ctx, uuid.New()))

	owner := createUser(t, db, "owner", models.RoleTech, "owner@example.com", "")
	agent := models.Agent{Name: "web-1", Hostname: "web-1.local", Active: true, OwnerID: &owner.ID}
	require.NoError(t, db.Create(&agent).Error)

	// No settings at all: raw.
	assert.Equal(t, models.ResolutionRaw, agg.EffectiveResolution(ctx, agent.ID))

	// Owner default applies next.
	require.NoError(t, agg.SetUserDefaultResolution(ctx, owner.ID, models.Resolution1Hour))
	assert.Equal(t, models.Resolution1Hour, agg.EffectiveResolution(ctx, agent.ID))

	// Device override wins.
	require.NoError(t, agg.SetDeviceResolution(ctx, agent.ID, models.Resolution15Min))
	assert.Equal(t, models.Resolution15Min, agg.EffectiveResolution(ctx, agent.ID))
}

func TestSetDeviceResolutionValidation(t *testing.T) {
	db := newTestDB(t)
	agg := NewCandleAggregator(db)
	agent := createAgent(t, db, "web-1")

	err := agg.SetDeviceResolution(context.Background(), agent.ID, models.Resolution("2hour"))
	assert.True(t, IsValidation(err))

	// Nothing was written.
	var count int64
	db.Model(&models.AggregationSetting{}).Count(&count)
	assert.Zero(t, count)

	err = agg.SetDeviceResolution(context.Background(), uuid.New(), models.Resolution1Hour)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetDeviceResolutionUpserts(t *testing.T) {
	db := newTestDB(t)
	agg := NewCandleAggregator(db)
	agent := createAgent(t, db, "web-1")
	ctx := context.Background()

	require.NoError(t, agg.SetDeviceResolution(ctx, agent.ID, models.Resolution1Hour))
	require.NoError(t, agg.SetDeviceResolution(ctx, agent.ID, models.Resolution1Day))

	var settings []models.AggregationSetting
	require.NoError(t, db.Find(&settings).Error)
	require.Len(t, settings, 1)
	assert.Equal(t, string(models.Resolution1Day), settings[0].Resolution)
}

func TestCleanupOldCandles(t *testing.T) {
	db := newTestDB(t)
	agg := NewCandleAggregator(db)
	agent := createAgent(t, db, "web-1")

	now := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	agg.now = fixedClock(now)

	old := models.Candle{
		AgentID: agent.ID, Resolution: string(models.Resolution1Day),
		BucketStart: now.AddDate(-2, 0, 0), BucketEnd: now.AddDate(-2, 0, 1), SampleCount: 5,
	}
	fresh := models.Candle{
		AgentID: agent.ID, Resolution: string(models.Resolution1Day),
		BucketStart: now.AddDate(0, 0, -2), BucketEnd: now.AddDate(0, 0, -1), SampleCount: 5,
	}
	require.NoError(t, db.Create(&old).Error)
	require.NoError(t, db.Create(&fresh).Error)

	deleted, err := agg.CleanupOldCandles(context.Background(), 365)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	// Re-running is a no-op.
	deleted, err = agg.CleanupOldCandles(context.Background(), 365)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	var remaining []models.Candle
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, fresh.ID, remaining[0].ID)
}
