package models

// DailyStats is one day's count in a dashboard series.
type DailyStats struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}
