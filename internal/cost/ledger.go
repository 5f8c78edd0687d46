package cost

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"audioscribe/internal/models"
)

// SQLLedger stores usage aggregates and alerts in the tables created by storage.Migrate.
type SQLLedger struct {
	db     *sql.DB
	driver string
}

func NewSQLLedger(db *sql.DB, driver string) *SQLLedger {
	return &SQLLedger{db: db, driver: strings.ToLower(driver)}
}

func (l *SQLLedger) SaveUsage(ctx context.Context, period models.Period, key string, entry models.UsageEntry, at time.Time) error {
	var query string
	if l.driver == "mysql" {
		query = `INSERT INTO usage_ledger (period, period_key, cost, minutes, requests, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE cost = VALUES(cost), minutes = VALUES(minutes),
				requests = VALUES(requests), updated_at = VALUES(updated_at)`
	} else {
		query = `INSERT INTO usage_ledger (period, period_key, cost, minutes, requests, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(period, period_key) DO UPDATE SET cost = excluded.cost,
				minutes = excluded.minutes, requests = excluded.requests, updated_at = excluded.updated_at`
	}
	if _, err := l.db.ExecContext(ctx, query, string(period), key, entry.Cost, entry.Minutes, entry.Requests, at.UTC()); err != nil {
		return fmt.Errorf("upsert usage %s/%s: %w", period, key, err)
	}
	return nil
}

func (l *SQLLedger) SaveAlert(ctx context.Context, alert models.BudgetAlert) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO budget_alerts (level, period, period_key, percent, spent, ceiling, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(alert.Level), string(alert.Period), alert.Key, alert.Percent, alert.Spent, alert.Ceiling, alert.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert budget alert: %w", err)
	}
	return nil
}

// LoadUsage returns the stored entry, or ok=false when none exists.
func (l *SQLLedger) LoadUsage(ctx context.Context, period models.Period, key string) (models.UsageEntry, bool, error) {
	var entry models.UsageEntry
	err := l.db.QueryRowContext(ctx,
		`SELECT cost, minutes, requests FROM usage_ledger WHERE period = ? AND period_key = ?`,
		string(period), key,
	).Scan(&entry.Cost, &entry.Minutes, &entry.Requests)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UsageEntry{}, false, nil
	}
	if err != nil {
		return models.UsageEntry{}, false, fmt.Errorf("load usage %s/%s: %w", period, key, err)
	}
	return entry, true, nil
}

func (l *SQLLedger) firedLevels(ctx context.Context, period models.Period, key string) ([]models.AlertLevel, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT DISTINCT level FROM budget_alerts WHERE period = ? AND period_key = ?`,
		string(period), key,
	)
	if err != nil {
		return nil, fmt.Errorf("load alerts %s/%s: %w", period, key, err)
	}
	defer rows.Close()
	var levels []models.AlertLevel
	for rows.Next() {
		var lvl string
		if err := rows.Scan(&lvl); err != nil {
			return nil, err
		}
		levels = append(levels, models.AlertLevel(lvl))
	}
	return levels, rows.Err()
}

// LoadInto restores the current day and month into t so a restart neither
// forgets spend nor repeats alerts already raised.
func (l *SQLLedger) LoadInto(ctx context.Context, t *Tracker, now time.Time) error {
	day, month := periodKeys(now)
	for _, p := range []struct {
		period models.Period
		key    string
	}{
		{models.PeriodDaily, day},
		{models.PeriodMonthly, month},
	} {
		entry, ok, err := l.LoadUsage(ctx, p.period, p.key)
		if err != nil {
			return err
		}
		levels, err := l.firedLevels(ctx, p.period, p.key)
		if err != nil {
			return err
		}
		if !ok && len(levels) == 0 {
			continue
		}
		t.restore(p.period, p.key, entry, levels)
	}
	return nil
}
