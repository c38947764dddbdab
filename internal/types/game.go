package types

import "time"

// Bet kinds.
const (
	KindTotal  = "total"
	KindSpread = "spread"
)

// Game is an upcoming event from the game-data feed.
type Game struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	HomeTeam  string    `json:"home_team"`
	AwayTeam  string    `json:"away_team"`
	StartTime time.Time `json:"start_time"`
}

// MarketSnapshot is the odds state captured at decision time. For totals the
// line is the posted total and Price is the OVER price; for spreads the line
// is the home spread and Price is the HOME price.
type MarketSnapshot struct {
	GameID        string    `json:"game_id"`
	Kind          string    `json:"kind"`
	Line          float64   `json:"line"`
	Price         int       `json:"price"`
	OpposingPrice int       `json:"opposing_price"`
	Bookmaker     string    `json:"bookmaker,omitempty"`
	CapturedAt    time.Time `json:"captured_at"`
}

// Performance is a capper's graded history for one category and kind.
// Streak is positive for consecutive wins and negative for losses.
type Performance struct {
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	Pushes   int     `json:"pushes"`
	Streak   int     `json:"streak"`
	NetUnits float64 `json:"net_units"`
}

// Graded returns the number of decided (non-push) results.
func (p Performance) Graded() int {
	return p.Wins + p.Losses
}

// WinRate returns wins over graded results, 0 when nothing is graded.
func (p Performance) WinRate() float64 {
	if p.Graded() == 0 {
		return 0
	}
	return float64(p.Wins) / float64(p.Graded())
}

// StreakFromResults computes the current streak from graded results ordered
// most recent first. Pushes neither extend nor break a streak.
func StreakFromResults(results []string) int {
	streak := 0
	for _, r := range results {
		switch r {
		case ResultWin:
			if streak < 0 {
				return streak
			}
			streak++
		case ResultLoss:
			if streak > 0 {
				return streak
			}
			streak--
		}
	}
	return streak
}

// SummarizePerformance folds graded results and their profits, both ordered
// most recent first, into a Performance.
func SummarizePerformance(results []string, profits []float64) *Performance {
	perf := &Performance{Streak: StreakFromResults(results)}
	for i, r := range results {
		switch r {
		case ResultWin:
			perf.Wins++
		case ResultLoss:
			perf.Losses++
		case ResultPush:
			perf.Pushes++
		}
		if i < len(profits) {
			perf.NetUnits += profits[i]
		}
	}
	return perf
}
