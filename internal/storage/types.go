package storage

import "time"

// Redirect is a short-link mapping. Visits reference it by ID.
type Redirect struct {
	ID        int64     `json:"id"`
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// Visit is one raw redirect click. Rows are append-only.
type Visit struct {
	ID         int64     `json:"id"`
	RedirectID int64     `json:"redirect_id"`
	Timestamp  time.Time `json:"timestamp"`
	IP         string    `json:"ip"`
	UserAgent  string    `json:"user_agent"`
	Referer    string    `json:"referer"`
	Country    string    `json:"country"`
}

// SummaryKey is the uniqueness key of a daily summary row.
type SummaryKey struct {
	Date          string `json:"date"`
	RedirectID    int64  `json:"redirect_id"`
	Country       string `json:"country"`
	RefererDomain string `json:"referer_domain"`
	Browser       string `json:"browser"`
	OS            string `json:"os"`
}

// SummaryRow is one accumulated dimension tuple for a day.
type SummaryRow struct {
	SummaryKey
	VisitCount int64 `json:"visit_count"`
}

// RollupRun records a completed rollup of one day.
type RollupRun struct {
	Date        string    `json:"date"`
	Groups      int64     `json:"groups"`
	Events      int64     `json:"events"`
	CompletedAt time.Time `json:"completed_at"`
}

// Totals is the aggregate visit volume over a window.
type Totals struct {
	Visits          int64 `json:"visits"`
	ActiveRedirects int64 `json:"active_redirects"`
}

// DayCount is the number of visits on one calendar day.
type DayCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// RefererStat is the visit count for a referring domain.
type RefererStat struct {
	Domain string `json:"domain"`
	Count  int64  `json:"count"`
}

// UserAgentStat is the visit count for a browser/OS pair.
type UserAgentStat struct {
	Browser string `json:"browser"`
	OS      string `json:"os"`
	Count   int64  `json:"count"`
}

// CountryStat is the visit count for a country.
type CountryStat struct {
	Country string `json:"country"`
	Name    string `json:"name"`
	Count   int64  `json:"count"`
}

// URLStat is the visit count for a redirect, with its key and target for display.
type URLStat struct {
	RedirectID int64  `json:"redirect_id"`
	Key        string `json:"key"`
	URL        string `json:"url"`
	Count      int64  `json:"count"`
}

// DatabaseStats holds row counts for the tables exported as metrics.
type DatabaseStats struct {
	VisitsCount     int64
	SummariesCount  int64
	RedirectsCount  int64
	RollupRunsCount int64
}
