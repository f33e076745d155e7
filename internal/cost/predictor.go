package cost

import (
	"fmt"
	"math"
	"time"
)

// Prediction is a monthly spend projection from a trailing daily window.
type Prediction struct {
	AvgDaily         float64 `json:"avg_daily"`
	PredictedMonthly float64 `json:"predicted_monthly"`
	Budget           float64 `json:"budget"`
	Utilization      float64 `json:"utilization"`
	SampleSize       int     `json:"sample_size"`
	Confidence       float64 `json:"confidence"`
	OverBudget       bool    `json:"is_over_budget"`
}

// TrendReport summarizes the recent daily cost direction.
type TrendReport struct {
	DailyCosts []DayCost `json:"daily_costs"`
	Trend      string    `json:"trend"` // increasing | decreasing | stable
	Avg        float64   `json:"avg"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
}

// Predictor extrapolates monthly spend from the ledger's recent daily
// buckets. Empty days carry no signal and are skipped.
type Predictor struct {
	ledger        *Ledger
	windowDays    int
	monthlyBudget float64
}

// NewPredictor builds a predictor over a ledger. windowDays defaults to 7.
func NewPredictor(ledger *Ledger, windowDays int, monthlyBudget float64) (*Predictor, error) {
	if ledger == nil {
		return nil, fmt.Errorf("cost: predictor requires a ledger")
	}
	if monthlyBudget <= 0 {
		return nil, fmt.Errorf("%w: monthly budget must be positive", ErrBadInput)
	}
	if windowDays <= 0 {
		windowDays = 7
	}
	return &Predictor{ledger: ledger, windowDays: windowDays, monthlyBudget: monthlyBudget}, nil
}

// PredictMonthly projects this month's spend from the trailing window.
// Confidence decays with the window's coefficient of variation and falls
// back to 0.5 when there is not enough signal.
func (p *Predictor) PredictMonthly() Prediction {
	window := p.ledger.History(p.windowDays)
	samples := make([]float64, 0, len(window))
	for _, d := range window {
		if d.Cost > 0 {
			samples = append(samples, d.Cost)
		}
	}

	avg := mean(samples)
	predicted := avg * 30

	confidence := 0.5
	if len(samples) >= 2 && avg > 0 {
		cv := stddev(samples, avg) / avg
		confidence = clamp(0.95*math.Exp(-0.9*cv), 0, 1)
	}

	return Prediction{
		AvgDaily:         avg,
		PredictedMonthly: predicted,
		Budget:           p.monthlyBudget,
		Utilization:      predicted / p.monthlyBudget,
		SampleSize:       len(samples),
		Confidence:       confidence,
		OverBudget:       predicted > p.monthlyBudget,
	}
}

// AlertIfOverBudget returns an alert record iff the projection exceeds the
// monthly budget.
func (p *Predictor) AlertIfOverBudget() (*BudgetAlert, bool) {
	pred := p.PredictMonthly()
	if !pred.OverBudget {
		return nil, false
	}
	return &BudgetAlert{
		Kind:      "prediction",
		Cost:      pred.PredictedMonthly,
		Budget:    pred.Budget,
		Message:   fmt.Sprintf("predicted monthly cost %.2f exceeds budget %.2f (confidence %.2f)", pred.PredictedMonthly, pred.Budget, pred.Confidence),
		Timestamp: time.Now().UTC(),
	}, true
}

// CostTrend classifies the recent direction of daily spend by the sign of
// the least-squares slope against a threshold of 5% of the mean.
func (p *Predictor) CostTrend(days int) TrendReport {
	if days <= 0 {
		days = p.windowDays
	}
	window := p.ledger.History(days)

	costs := make([]float64, len(window))
	for i, d := range window {
		costs[i] = d.Cost
	}
	avg := mean(costs)
	lo, hi := minMax(costs)

	trend := "stable"
	if len(costs) >= 2 && avg > 0 {
		slope := leastSquaresSlope(costs)
		threshold := 0.05 * avg
		switch {
		case slope > threshold:
			trend = "increasing"
		case slope < -threshold:
			trend = "decreasing"
		}
	}

	return TrendReport{DailyCosts: window, Trend: trend, Avg: avg, Min: lo, Max: hi}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64, avg float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	ss := 0.0
	for _, x := range xs {
		d := x - avg
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

func minMax(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	lo, hi := xs[0], xs[0]
	for _, x := range xs[1:] {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return lo, hi
}

// leastSquaresSlope fits cost = a + b*day over day indices 0..n-1 and
// returns b.
func leastSquaresSlope(ys []float64) float64 {
	n := float64(len(ys))
	if n < 2 {
		return 0
	}
	xbar := (n - 1) / 2
	ybar := mean(ys)
	num, den := 0.0, 0.0
	for i, y := range ys {
		dx := float64(i) - xbar
		num += dx * (y - ybar)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
