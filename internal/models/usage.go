package models

import "time"

// AlertLevel grades how close spend is to a budget ceiling.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Period names a ledger aggregation window.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// UsageEntry accumulates spend for one day or month key.
type UsageEntry struct {
	Cost     float64 `json:"cost"`
	Minutes  float64 `json:"minutes"`
	Requests int64   `json:"requests"`
}

// BudgetAlert is emitted when a period crosses a threshold of its ceiling.
type BudgetAlert struct {
	Level   AlertLevel `json:"level"`
	Period  Period     `json:"period"`
	Key     string     `json:"key"`
	Percent float64    `json:"percent"`
	Spent   float64    `json:"spent"`
	Ceiling float64    `json:"ceiling"`
	At      time.Time  `json:"at"`
}
