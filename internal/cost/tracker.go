package cost

import (
	"context"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"audioscribe/internal/models"
)

const (
	warningThreshold  = 80.0
	criticalThreshold = 95.0
	maxRecentAlerts   = 50
	persistTimeout    = 5 * time.Second
)

// bytesPerSecond approximates bitrates for the size-based fallback.
var bytesPerSecond = map[string]float64{
	"mp3":  16000,
	"wav":  32000,
	"flac": 20000,
}

const defaultBytesPerSecond = 16000

// Config holds the billing rate and budget ceilings. A zero ceiling disables alerts for that period.
type Config struct {
	PerMinuteRate  float64
	DailyCeiling   float64
	MonthlyCeiling float64
}

// Estimate is the priced outcome of one transcription.
type Estimate struct {
	Cost            float64 `json:"cost"`
	Minutes         float64 `json:"minutes"`
	DurationSeconds float64 `json:"duration_seconds"`
	Estimated       bool    `json:"estimated"`
}

// LedgerStore persists aggregates. Implementations must be safe for concurrent use.
type LedgerStore interface {
	SaveUsage(ctx context.Context, period models.Period, key string, entry models.UsageEntry, at time.Time) error
	SaveAlert(ctx context.Context, alert models.BudgetAlert) error
}

// Observer is notified after each Record and each alert.
type Observer interface {
	OnRecord(est Estimate, daily, monthly models.UsageEntry)
	OnAlert(alert models.BudgetAlert)
}

// Snapshot is the read model served by the usage endpoint.
type Snapshot struct {
	Day            string               `json:"day"`
	Month          string               `json:"month"`
	Daily          models.UsageEntry    `json:"daily"`
	Monthly        models.UsageEntry    `json:"monthly"`
	Total          models.UsageEntry    `json:"total"`
	PerMinuteRate  float64              `json:"per_minute_rate"`
	DailyCeiling   float64              `json:"daily_ceiling"`
	MonthlyCeiling float64              `json:"monthly_ceiling"`
	DailyPercent   float64              `json:"daily_percent"`
	MonthlyPercent float64              `json:"monthly_percent"`
	Alerts         []models.BudgetAlert `json:"alerts"`
}

// Tracker keeps running spend per day and month plus the process lifetime total.
type Tracker struct {
	cfg    Config
	ledger LedgerStore

	// recordMu orders Record calls so the ledger sees aggregates in the
	// order they were computed; mu guards the in-memory state.
	recordMu  sync.Mutex
	mu        sync.Mutex
	daily     map[string]models.UsageEntry
	monthly   map[string]models.UsageEntry
	total     models.UsageEntry
	fired     map[string]bool
	alerts    []models.BudgetAlert
	observers []Observer
}

// NewTracker creates a tracker. ledger may be nil.
func NewTracker(cfg Config, ledger LedgerStore) *Tracker {
	return &Tracker{
		cfg:     cfg,
		ledger:  ledger,
		daily:   make(map[string]models.UsageEntry),
		monthly: make(map[string]models.UsageEntry),
		fired:   make(map[string]bool),
	}
}

// AddObserver registers o for subsequent records.
func (t *Tracker) AddObserver(o Observer) {
	if o == nil {
		return
	}
	t.mu.Lock()
	t.observers = append(t.observers, o)
	t.mu.Unlock()
}

// Estimate prices a transcription. A positive duration is authoritative;
// otherwise the duration is derived from fileSize and the codec hint and the
// result is flagged as estimated.
func (t *Tracker) Estimate(durationSeconds float64, fileSize int64, codecHint string) Estimate {
	est := Estimate{DurationSeconds: durationSeconds}
	if durationSeconds <= 0 {
		bps, ok := bytesPerSecond[normalizeCodec(codecHint)]
		if !ok {
			bps = defaultBytesPerSecond
		}
		est.DurationSeconds = float64(fileSize) / bps
		est.Estimated = true
	}
	est.Minutes = est.DurationSeconds / 60
	est.Cost = round4(est.Minutes * t.cfg.PerMinuteRate)
	return est
}

// Record adds est to the ledgers for now and returns any alerts it triggered.
// Alerts are informational only.
func (t *Tracker) Record(now time.Time, est Estimate) []models.BudgetAlert {
	day, month := periodKeys(now)

	t.recordMu.Lock()
	defer t.recordMu.Unlock()

	t.mu.Lock()
	d := addUsage(t.daily[day], est)
	m := addUsage(t.monthly[month], est)
	t.daily[day] = d
	t.monthly[month] = m
	t.total = addUsage(t.total, est)

	var raised []models.BudgetAlert
	raised = append(raised, t.checkLocked(models.PeriodDaily, day, d.Cost, t.cfg.DailyCeiling, now)...)
	raised = append(raised, t.checkLocked(models.PeriodMonthly, month, m.Cost, t.cfg.MonthlyCeiling, now)...)
	observers := append([]Observer(nil), t.observers...)
	t.mu.Unlock()

	for _, a := range raised {
		log.Printf("[cost] %s budget alert: %s %s spent $%.4f of $%.2f (%.1f%%)",
			a.Level, a.Period, a.Key, a.Spent, a.Ceiling, a.Percent)
	}
	for _, o := range observers {
		o.OnRecord(est, d, m)
		for _, a := range raised {
			o.OnAlert(a)
		}
	}
	t.persist(now, day, month, d, m, raised)
	return raised
}

func (t *Tracker) checkLocked(period models.Period, key string, spent, ceiling float64, now time.Time) []models.BudgetAlert {
	if ceiling <= 0 {
		return nil
	}
	pct := spent * 100 / ceiling
	var out []models.BudgetAlert
	for _, lvl := range []struct {
		level     models.AlertLevel
		threshold float64
	}{
		{models.AlertWarning, warningThreshold},
		{models.AlertCritical, criticalThreshold},
	} {
		if pct < lvl.threshold {
			continue
		}
		id := alertID(period, key, lvl.level)
		if t.fired[id] {
			continue
		}
		t.fired[id] = true
		alert := models.BudgetAlert{
			Level:   lvl.level,
			Period:  period,
			Key:     key,
			Percent: math.Round(pct*100) / 100,
			Spent:   spent,
			Ceiling: ceiling,
			At:      now,
		}
		out = append(out, alert)
		t.alerts = append(t.alerts, alert)
		if len(t.alerts) > maxRecentAlerts {
			t.alerts = t.alerts[len(t.alerts)-maxRecentAlerts:]
		}
	}
	return out
}

func (t *Tracker) persist(now time.Time, day, month string, d, m models.UsageEntry, raised []models.BudgetAlert) {
	if t.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := t.ledger.SaveUsage(ctx, models.PeriodDaily, day, d, now); err != nil {
		log.Printf("[cost] persist daily usage %s failed: %v", day, err)
	}
	if err := t.ledger.SaveUsage(ctx, models.PeriodMonthly, month, m, now); err != nil {
		log.Printf("[cost] persist monthly usage %s failed: %v", month, err)
	}
	for _, a := range raised {
		if err := t.ledger.SaveAlert(ctx, a); err != nil {
			log.Printf("[cost] persist alert failed: %v", err)
		}
	}
}

// Snapshot reports the usage for the day and month containing now.
func (t *Tracker) Snapshot(now time.Time) Snapshot {
	day, month := periodKeys(now)
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		Day:            day,
		Month:          month,
		Daily:          t.daily[day],
		Monthly:        t.monthly[month],
		Total:          t.total,
		PerMinuteRate:  t.cfg.PerMinuteRate,
		DailyCeiling:   t.cfg.DailyCeiling,
		MonthlyCeiling: t.cfg.MonthlyCeiling,
		Alerts:         append([]models.BudgetAlert{}, t.alerts...),
	}
	if s.DailyCeiling > 0 {
		s.DailyPercent = math.Round(s.Daily.Cost/s.DailyCeiling*10000) / 100
	}
	if s.MonthlyCeiling > 0 {
		s.MonthlyPercent = math.Round(s.Monthly.Cost/s.MonthlyCeiling*10000) / 100
	}
	return s
}

// restore seeds a period from persisted state, including already fired levels.
func (t *Tracker) restore(period models.Period, key string, entry models.UsageEntry, levels []models.AlertLevel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch period {
	case models.PeriodDaily:
		t.daily[key] = entry
	case models.PeriodMonthly:
		t.monthly[key] = entry
	}
	for _, lvl := range levels {
		t.fired[alertID(period, key, lvl)] = true
	}
}

func addUsage(u models.UsageEntry, est Estimate) models.UsageEntry {
	u.Cost = round4(u.Cost + est.Cost)
	u.Minutes += est.Minutes
	u.Requests++
	return u
}

func periodKeys(now time.Time) (day, month string) {
	now = now.UTC()
	return now.Format("2006-01-02"), now.Format("2006-01")
}

func alertID(period models.Period, key string, level models.AlertLevel) string {
	return string(period) + "|" + key + "|" + string(level)
}

func normalizeCodec(hint string) string {
	hint = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(hint), "."))
	switch hint {
	case "mpga", "mpeg", "libmp3lame":
		return "mp3"
	case "wave", "pcm_s16le":
		return "wav"
	}
	return hint
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
