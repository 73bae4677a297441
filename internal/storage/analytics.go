package storage

import (
	"context"
	"database/sql"
	"errors"

	"rewindos/internal/rerrors"
)

// GetAppUsageStats ranks apps by captured-screenshot count over a window,
// computing each one's share of the total as Percentage.
func (db *DB) GetAppUsageStats(ctx context.Context, startTime, endTime int64) ([]AppUsageStat, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT COALESCE(app_name, 'Unknown'), COUNT(*) as cnt
		FROM screenshots
		WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY app_name
		ORDER BY cnt DESC`, startTime, endTime)
	if err != nil {
		return nil, rerrors.New(rerrors.Database, "storage.GetAppUsageStats", err)
	}
	defer rows.Close()

	var stats []AppUsageStat
	var total int64
	for rows.Next() {
		var s AppUsageStat
		if err := rows.Scan(&s.AppName, &s.ScreenshotCount); err != nil {
			return nil, rerrors.New(rerrors.Database, "storage.GetAppUsageStats", err)
		}
		total += s.ScreenshotCount
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, rerrors.New(rerrors.Database, "storage.GetAppUsageStats", err)
	}

	if total > 0 {
		for i := range stats {
			stats[i].Percentage = float64(stats[i].ScreenshotCount) / float64(total) * 100.0
		}
	}
	return stats, nil
}

// GetDailyActivity buckets screenshot counts and unique-app counts by
// calendar day (UTC) over a window.
func (db *DB) GetDailyActivity(ctx context.Context, startTime, endTime int64) ([]DailyActivity, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT date(timestamp, 'unixepoch') as day, COUNT(*), COUNT(DISTINCT app_name)
		FROM screenshots
		WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY day
		ORDER BY day ASC`, startTime, endTime)
	if err != nil {
		return nil, rerrors.New(rerrors.Database, "storage.GetDailyActivity", err)
	}
	defer rows.Close()

	var out []DailyActivity
	for rows.Next() {
		var d DailyActivity
		if err := rows.Scan(&d.Date, &d.ScreenshotCount, &d.UniqueApps); err != nil {
			return nil, rerrors.New(rerrors.Database, "storage.GetDailyActivity", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetHourlyActivity buckets screenshot counts by hour-of-day (UTC),
// collapsed across the whole window, for an activity heatmap.
func (db *DB) GetHourlyActivity(ctx context.Context, startTime, endTime int64) ([]HourlyActivity, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT CAST(strftime('%H', timestamp, 'unixepoch') AS INTEGER) as hr, COUNT(*)
		FROM screenshots
		WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY hr
		ORDER BY hr ASC`, startTime, endTime)
	if err != nil {
		return nil, rerrors.New(rerrors.Database, "storage.GetHourlyActivity", err)
	}
	defer rows.Close()

	var out []HourlyActivity
	for rows.Next() {
		var h HourlyActivity
		if err := rows.Scan(&h.Hour, &h.ScreenshotCount); err != nil {
			return nil, rerrors.New(rerrors.Database, "storage.GetHourlyActivity", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// GetActivity assembles the combined activity dashboard response.
func (db *DB) GetActivity(ctx context.Context, startTime, endTime int64) (ActivityResponse, error) {
	appUsage, err := db.GetAppUsageStats(ctx, startTime, endTime)
	if err != nil {
		return ActivityResponse{}, err
	}
	daily, err := db.GetDailyActivity(ctx, startTime, endTime)
	if err != nil {
		return ActivityResponse{}, err
	}
	hourly, err := db.GetHourlyActivity(ctx, startTime, endTime)
	if err != nil {
		return ActivityResponse{}, err
	}

	var totalShots int64
	for _, a := range appUsage {
		totalShots += a.ScreenshotCount
	}

	return ActivityResponse{
		AppUsage:         appUsage,
		DailyActivity:    daily,
		HourlyActivity:   hourly,
		TotalScreenshots: totalShots,
		TotalApps:        int64(len(appUsage)),
	}, nil
}

// GetTaskBreakdown estimates time-on-task per (app, window title) pair by
// multiplying each pair's screenshot count by captureIntervalSeconds — the
// caller-supplied capture cadence, rather than a hardcoded multiplier, so
// the estimate tracks whatever interval the daemon is actually configured
// with.
func (db *DB) GetTaskBreakdown(ctx context.Context, startTime, endTime int64, captureIntervalSeconds int64) ([]TaskUsageStat, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT COALESCE(app_name, 'Unknown'), window_title, COUNT(*) as cnt
		FROM screenshots
		WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY app_name, window_title
		ORDER BY cnt DESC`, startTime, endTime)
	if err != nil {
		return nil, rerrors.New(rerrors.Database, "storage.GetTaskBreakdown", err)
	}
	defer rows.Close()

	var out []TaskUsageStat
	for rows.Next() {
		var t TaskUsageStat
		if err := rows.Scan(&t.AppName, &t.WindowTitle, &t.ScreenshotCount); err != nil {
			return nil, rerrors.New(rerrors.Database, "storage.GetTaskBreakdown", err)
		}
		t.EstimatedSeconds = t.ScreenshotCount * captureIntervalSeconds
		out = append(out, t)
	}
	return out, rows.Err()
}

// activeBlockGapSeconds is the fixed gap, in seconds, between consecutive
// captures beyond which a new active block starts.
const activeBlockGapSeconds = 60

// GetActiveBlocks groups consecutive screenshots into contiguous active
// blocks, splitting whenever the gap between two captures exceeds the fixed
// 60-second threshold. captureIntervalSeconds is used only to pad each
// block's end_time/duration by one capture interval, since the block's
// last screenshot still represents activity through the following capture.
func (db *DB) GetActiveBlocks(ctx context.Context, startTime, endTime int64, captureIntervalSeconds int64) ([]ActiveBlock, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT timestamp FROM screenshots
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC`, startTime, endTime)
	if err != nil {
		return nil, rerrors.New(rerrors.Database, "storage.GetActiveBlocks", err)
	}
	defer rows.Close()

	var timestamps []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, rerrors.New(rerrors.Database, "storage.GetActiveBlocks", err)
		}
		timestamps = append(timestamps, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, rerrors.New(rerrors.Database, "storage.GetActiveBlocks", err)
	}
	if len(timestamps) == 0 {
		return nil, nil
	}

	var blocks []ActiveBlock
	blockStart := timestamps[0]
	blockEnd := timestamps[0]

	for _, ts := range timestamps[1:] {
		if ts-blockEnd > activeBlockGapSeconds {
			blocks = append(blocks, ActiveBlock{
				StartTime:    blockStart,
				EndTime:      blockEnd + captureIntervalSeconds,
				DurationSecs: blockEnd - blockStart + captureIntervalSeconds,
			})
			blockStart = ts
		}
		blockEnd = ts
	}
	blocks = append(blocks, ActiveBlock{
		StartTime:    blockStart,
		EndTime:      blockEnd + captureIntervalSeconds,
		DurationSecs: blockEnd - blockStart + captureIntervalSeconds,
	})
	return blocks, nil
}

// GetDailySummaryCache looks up a cached daily LLM summary, if one exists.
func (db *DB) GetDailySummaryCache(ctx context.Context, dateKey string) (CachedDailySummary, bool, error) {
	var c CachedDailySummary
	err := db.conn.QueryRowContext(ctx, `
		SELECT date_key, summary_text, app_breakdown, total_sessions, time_range,
			model_name, generated_at, screenshot_count
		FROM daily_summary_cache WHERE date_key = ?`, dateKey).Scan(
		&c.DateKey, &c.SummaryText, &c.AppBreakdown, &c.TotalSessions, &c.TimeRange,
		&c.ModelName, &c.GeneratedAt, &c.ScreenshotCount)
	if errors.Is(err, sql.ErrNoRows) {
		return CachedDailySummary{}, false, nil
	}
	if err != nil {
		return CachedDailySummary{}, false, rerrors.New(rerrors.Database, "storage.GetDailySummaryCache", err)
	}
	return c, true, nil
}

// SetDailySummaryCache upserts a cached daily LLM summary.
func (db *DB) SetDailySummaryCache(ctx context.Context, c CachedDailySummary) error {
	if _, err := db.conn.ExecContext(ctx, `
		INSERT INTO daily_summary_cache
			(date_key, summary_text, app_breakdown, total_sessions, time_range,
			 model_name, generated_at, screenshot_count)
		VALUES (?, ?, ?, ?, ?, ?, datetime('now'), ?)
		ON CONFLICT(date_key) DO UPDATE SET
			summary_text = excluded.summary_text,
			app_breakdown = excluded.app_breakdown,
			total_sessions = excluded.total_sessions,
			time_range = excluded.time_range,
			model_name = excluded.model_name,
			generated_at = excluded.generated_at,
			screenshot_count = excluded.screenshot_count`,
		c.DateKey, c.SummaryText, c.AppBreakdown, c.TotalSessions, c.TimeRange,
		c.ModelName, c.ScreenshotCount); err != nil {
		return rerrors.New(rerrors.Database, "storage.SetDailySummaryCache", err)
	}
	return nil
}
