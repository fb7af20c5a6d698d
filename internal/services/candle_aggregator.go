package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/opshq/pulse/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CandleAggregator reduces raw metric samples into OHLC candles at the
// configured resolutions. Buckets are aligned to the Unix epoch in UTC so
// regenerating a window always produces the same rows.
type CandleAggregator struct {
	db  *gorm.DB
	now func() time.Time
}

func NewCandleAggregator(db *gorm.DB) *CandleAggregator {
	return &CandleAggregator{
		db:  db,
		now: time.Now,
	}
}

// AggregationSummary reports a batch run: candle counts per resolution plus
// the isolated per-agent errors. A non-empty Errors list never aborts the run.
type AggregationSummary struct {
	Agents  int                       `json:"agents"`
	Candles map[models.Resolution]int `json:"candles"`
	Errors  []string                  `json:"errors"`
}

// SeriesResult is the answer to a series query: candles for an aggregated
// resolution, or raw samples when the resolution is the raw sentinel.
type SeriesResult struct {
	Resolution models.Resolution     `json:"resolution"`
	Candles    []models.Candle       `json:"candles,omitempty"`
	Samples    []models.MetricSample `json:"samples,omitempty"`
}

// Generate recomputes the candles for one agent and resolution over
// [start, end) and upserts them. The start is aligned down to the bucket
// boundary, so a bucket the window only partially covers is still recomputed
// from its full sample set. Buckets with no samples are skipped. Returns the
// number of candles written.
func (s *CandleAggregator) Generate(ctx context.Context, agentID uuid.UUID, resolution models.Resolution, start, end time.Time) (int, error) {
	if !resolution.Valid() || resolution == models.ResolutionRaw {
		return 0, &ValidationError{Field: "resolution", Reason: fmt.Sprintf("%q cannot be aggregated", resolution)}
	}

	// Align the window start down to its bucket boundary. A start inside a
	// bucket would recompute that bucket from the partial tail only and
	// overwrite a previously complete candle.
	width := resolution.Duration()
	start = start.UTC().Truncate(width)

	var samples []models.MetricSample
	err := s.db.WithContext(ctx).
		Where("agent_id = ? AND collected_at >= ? AND collected_at < ?", agentID, start, end).
		Order("collected_at ASC").
		Find(&samples).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load samples: %w", err)
	}
	if len(samples) == 0 {
		return 0, nil
	}
	buckets := make(map[time.Time]*models.Candle)

	for _, sample := range samples {
		bucketStart := sample.CollectedAt.UTC().Truncate(width)
		c, ok := buckets[bucketStart]
		if !ok {
			c = &models.Candle{
				AgentID:     agentID,
				Resolution:  string(resolution),
				BucketStart: bucketStart,
				BucketEnd:   bucketStart.Add(width),
				CPUOpen:     sample.CPUPercent,
				CPUHigh:     sample.CPUPercent,
				CPULow:      sample.CPUPercent,
				MemoryOpen:  sample.MemoryPercent,
				MemoryHigh:  sample.MemoryPercent,
				MemoryLow:   sample.MemoryPercent,
				DiskOpen:    sample.DiskPercent,
				DiskHigh:    sample.DiskPercent,
				DiskLow:     sample.DiskPercent,
			}
			buckets[bucketStart] = c
		}

		// Samples arrive ordered by collected_at, so the last one seen is the close.
		c.CPUClose = sample.CPUPercent
		c.MemoryClose = sample.MemoryPercent
		c.DiskClose = sample.DiskPercent
		c.CPUHigh = max(c.CPUHigh, sample.CPUPercent)
		c.CPULow = min(c.CPULow, sample.CPUPercent)
		c.MemoryHigh = max(c.MemoryHigh, sample.MemoryPercent)
		c.MemoryLow = min(c.MemoryLow, sample.MemoryPercent)
		c.DiskHigh = max(c.DiskHigh, sample.DiskPercent)
		c.DiskLow = min(c.DiskLow, sample.DiskPercent)
		c.SampleCount++
	}

	starts := make([]time.Time, 0, len(buckets))
	for bucketStart := range buckets {
		starts = append(starts, bucketStart)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	candles := make([]models.Candle, 0, len(buckets))
	for _, bucketStart := range starts {
		candles = append(candles, *buckets[bucketStart])
	}

	// Upsert on (agent, resolution, bucket_start) so concurrent or repeated
	// regeneration never duplicates a bucket.
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "agent_id"}, {Name: "resolution"}, {Name: "bucket_start"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"bucket_end",
			"cpu_open", "cpu_high", "cpu_low", "cpu_close",
			"memory_open", "memory_high", "memory_low", "memory_close",
			"disk_open", "disk_high", "disk_low", "disk_close",
			"sample_count", "updated_at",
		}),
	}).Create(&candles).Error
	if err != nil {
		return 0, fmt.Errorf("failed to upsert candles: %w", err)
	}

	return len(candles), nil
}

// GenerateForAllAgents runs Generate for every active agent at every
// aggregated resolution. One agent's failure is recorded and skipped; it never
// blocks the remaining agents.
func (s *CandleAggregator) GenerateForAllAgents(ctx context.Context, start, end time.Time) AggregationSummary {
	summary := AggregationSummary{Candles: make(map[models.Resolution]int)}

	var agents []models.Agent
	if err := s.db.WithContext(ctx).Where("active = ?", true).Find(&agents).Error; err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("failed to list agents: %s", err))
		return summary
	}
	summary.Agents = len(agents)

	for _, agent := range agents {
		for _, resolution := range models.AggregatedResolutions {
			n, err := s.Generate(ctx, agent.ID, resolution, start, end)
			if err != nil {
				slog.Error("Candle generation failed", "agent", agent.Name, "resolution", resolution, "error", err)
				summary.Errors = append(summary.Errors, fmt.Sprintf("agent %s resolution %s: %s", agent.ID, resolution, err))
				continue
			}
			summary.Candles[resolution] += n
		}
	}

	return summary
}

// GenerateRecent keeps candles live: it covers the trailing 24 hours and is
// meant to run on a short recurring schedule.
func (s *CandleAggregator) GenerateRecent(ctx context.Context) AggregationSummary {
	now := s.now()
	return s.GenerateForAllAgents(ctx, now.Add(-24*time.Hour), now)
}

// Backfill regenerates all resolutions for one agent over the past daysBack
// days. Re-invocation is harmless because every bucket write is an upsert.
func (s *CandleAggregator) Backfill(ctx context.Context, agentID uuid.UUID, daysBack int) (int, error) {
	if daysBack < 1 {
		return 0, &ValidationError{Field: "days_back", Reason: "must be at least 1"}
	}

	var agent models.Agent
	if err := s.db.WithContext(ctx).First(&agent, "id = ?", agentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNotFound
		}
		return 0, err
	}

	now := s.now()
	start := now.AddDate(0, 0, -daysBack)

	total := 0
	var errs []error
	for _, resolution := range models.AggregatedResolutions {
		n, err := s.Generate(ctx, agentID, resolution, start, now)
		if err != nil {
			slog.Error("Backfill failed", "agent", agent.Name, "resolution", resolution, "error", err)
			errs = append(errs, fmt.Errorf("resolution %s: %w", resolution, err))
			continue
		}
		total += n
	}

	slog.Info("Backfill finished", "agent", agent.Name, "days", daysBack, "candles", total, "errors", len(errs))
	return total, errors.Join(errs...)
}

// GetCandles returns the most recent candles at the given resolution, or the
// most recent raw samples when resolution is the raw sentinel. The raw
// fallback is deliberate policy, not an error path.
func (s *CandleAggregator) GetCandles(ctx context.Context, agentID uuid.UUID, resolution models.Resolution, limit int) (*SeriesResult, error) {
	if !resolution.Valid() {
		return nil, &ValidationError{Field: "resolution", Reason: fmt.Sprintf("unknown resolution %q", resolution)}
	}
	if limit < 1 || limit > 1000 {
		limit = 100
	}

	result := &SeriesResult{Resolution: resolution}

	if resolution == models.ResolutionRaw {
		err := s.db.WithContext(ctx).
			Where("agent_id = ?", agentID).
			Order("collected_at DESC").
			Limit(limit).
			Find(&result.Samples).Error
		if err != nil {
			return nil, fmt.Errorf("failed to load samples: %w", err)
		}
		return result, nil
	}

	err := s.db.WithContext(ctx).
		Where("agent_id = ? AND resolution = ?", agentID, string(resolution)).
		Order("bucket_start DESC").
		Limit(limit).
		Find(&result.Candles).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load candles: %w", err)
	}
	return result, nil
}

// EffectiveResolution resolves the resolution for an agent: device override,
// then its owner's default, then raw. An unknown agent resolves to raw with a
// warning rather than an error.
func (s *CandleAggregator) EffectiveResolution(ctx context.Context, agentID uuid.UUID) models.Resolution {
	var agent models.Agent
	if err := s.db.WithContext(ctx).First(&agent, "id = ?", agentID).Error; err != nil {
		slog.Warn("Effective resolution requested for unknown agent", "agent", agentID, "error", err)
		return models.ResolutionRaw
	}

	var setting models.AggregationSetting
	err := s.db.WithContext(ctx).First(&setting, "agent_id = ?", agentID).Error
	if err == nil {
		if r := models.Resolution(setting.Resolution); r.Valid() {
			return r
		}
		slog.Warn("Ignoring invalid stored device resolution", "agent", agentID, "resolution", setting.Resolution)
	}

	if agent.OwnerID != nil {
		err = s.db.WithContext(ctx).First(&setting, "user_id = ?", *agent.OwnerID).Error
		if err == nil {
			if r := models.Resolution(setting.Resolution); r.Valid() {
				return r
			}
			slog.Warn("Ignoring invalid stored user resolution", "user", *agent.OwnerID, "resolution", setting.Resolution)
		}
	}

	return models.ResolutionRaw
}

// SetDeviceResolution stores a per-agent resolution override.
func (s *CandleAggregator) SetDeviceResolution(ctx context.Context, agentID uuid.UUID, resolution models.Resolution) error {
	if !resolution.Valid() {
		return &ValidationError{Field: "resolution", Reason: fmt.Sprintf("unknown resolution %q", resolution)}
	}

	var agent models.Agent
	if err := s.db.WithContext(ctx).First(&agent, "id = ?", agentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}

	setting := models.AggregationSetting{AgentID: &agentID, Resolution: string(resolution)}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"resolution", "updated_at"}),
	}).Create(&setting).Error
}

// SetUserDefaultResolution stores a user's default resolution, used for any of
// their agents without a device override.
func (s *CandleAggregator) SetUserDefaultResolution(ctx context.Context, userID uuid.UUID, resolution models.Resolution) error {
	if !resolution.Valid() {
		return &ValidationError{Field: "resolution", Reason: fmt.Sprintf("unknown resolution %q", resolution)}
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}

	setting := models.AggregationSetting{UserID: &userID, Resolution: string(resolution)}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"resolution", "updated_at"}),
	}).Create(&setting).Error
}

// CleanupOldCandles deletes candles past the retention horizon and returns the
// number deleted. A run with nothing old enough is a no-op.
func (s *CandleAggregator) CleanupOldCandles(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep < 1 {
		return 0, &ValidationError{Field: "days_to_keep", Reason: "must be at least 1"}
	}

	cutoff := s.now().AddDate(0, 0, -daysToKeep)
	res := s.db.WithContext(ctx).Where("bucket_start < ?", cutoff).Delete(&models.Candle{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete old candles: %w", res.Error)
	}
	return res.RowsAffected, nil
}
