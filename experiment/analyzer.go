package experiment

import (
	"math"
	"time"

	"go.uber.org/zap"
)

// Analyzer computes per-variant statistics, a two-variant hypothesis test
// and a stop/continue recommendation. It is a pure function of the test
// configuration plus the current results; statistical edge cases (too few
// samples, zero variance) degrade to a nil comparison and a conservative
// continue, never an error.
type Analyzer struct {
	// minDuration is the floor below which a test keeps running even
	// without a significant difference.
	minDuration time.Duration
	logger      *zap.Logger
}

// NewAnalyzer 创建统计分析器
func NewAnalyzer(minDuration time.Duration, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{minDuration: minDuration, logger: logger}
}

// Analyze derives the statistical snapshot for a test at the given instant.
func (a *Analyzer) Analyze(test *Test, results []*Result, now time.Time) *Analysis {
	metric := test.Metrics.PrimaryMetric

	// Group primary-metric values by variant, in declared variant order.
	samples := make(map[string][]float64, len(test.Variants))
	for _, r := range results {
		if r.Metric != metric {
			continue
		}
		samples[r.VariantID] = append(samples[r.VariantID], r.Value)
	}

	critical := criticalValue(test.Metrics.SignificanceLevel)

	analysis := &Analysis{
		TestID:     test.ID,
		Metric:     metric,
		Variants:   make([]*VariantStats, 0, len(test.Variants)),
		AnalyzedAt: now,
	}
	if test.StartedAt != nil {
		analysis.Elapsed = now.Sub(*test.StartedAt)
	}

	for _, variant := range test.Variants {
		values := samples[variant.ID]
		stats := &VariantStats{
			VariantID:   variant.ID,
			VariantName: variant.Name,
			SampleSize:  len(values),
		}
		if len(values) > 0 {
			stats.Mean = mean(values)
			stats.StdDev = sampleStdDev(values, stats.Mean)
			margin := 0.0
			if len(values) > 1 {
				margin = critical * stats.StdDev / math.Sqrt(float64(len(values)))
			}
			stats.ConfidenceInterval = [2]float64{stats.Mean - margin, stats.Mean + margin}
		}
		analysis.TotalSamples += stats.SampleSize
		analysis.Variants = append(analysis.Variants, stats)
	}

	if len(test.Variants) == 2 {
		analysis.Comparison = a.compare(test, analysis)
	}

	analysis.Recommendation = a.recommend(test, analysis)
	return analysis
}

// compare runs the two-sample test on difference of means with pooled
// standard deviation. Returns nil unless both variants meet the minimum
// sample size.
func (a *Analyzer) compare(test *Test, analysis *Analysis) *Comparison {
	control, treatment := splitControlTreatment(test)
	cs := analysis.VariantStat(control.ID)
	ts := analysis.VariantStat(treatment.ID)

	minSamples := test.Metrics.MinimumSampleSize
	if cs == nil || ts == nil || cs.SampleSize < minSamples || ts.SampleSize < minSamples {
		return nil
	}
	if cs.SampleSize < 2 || ts.SampleSize < 2 {
		return nil
	}

	n1 := float64(cs.SampleSize)
	n2 := float64(ts.SampleSize)
	pooled := math.Sqrt(((n1-1)*cs.StdDev*cs.StdDev + (n2-1)*ts.StdDev*ts.StdDev) / (n1 + n2 - 2))

	comparison := &Comparison{
		ControlID:      control.ID,
		TreatmentID:    treatment.ID,
		MeanDifference: ts.Mean - cs.Mean,
	}

	se := pooled * math.Sqrt(1/n1+1/n2)
	if se == 0 {
		// Zero variance in both arms: nothing to test, stay conservative.
		comparison.PValue = 1
		return comparison
	}

	tStat := math.Abs(comparison.MeanDifference) / se
	comparison.PValue = twoTailedPValue(tStat)
	comparison.IsSignificant = comparison.PValue < test.Metrics.SignificanceLevel
	comparison.EffectSize = math.Abs(comparison.MeanDifference) / pooled
	return comparison
}

// recommend applies the stopping ladder, in order: duration exceeded, sample
// floor, significance, duration floor, then stop without a winner.
func (a *Analyzer) recommend(test *Test, analysis *Analysis) Recommendation {
	significant := analysis.Comparison != nil && analysis.Comparison.IsSignificant

	if test.MaxDuration > 0 && analysis.Elapsed > test.MaxDuration {
		if significant {
			return RecommendStopWinner
		}
		return RecommendStopNoWinner
	}

	for _, stats := range analysis.Variants {
		if stats.SampleSize < test.Metrics.MinimumSampleSize {
			return RecommendContinue
		}
	}

	if significant {
		return RecommendStopWinner
	}

	if analysis.Elapsed < a.minDuration {
		return RecommendContinue
	}

	return RecommendStopNoWinner
}

// splitControlTreatment picks the control arm (the variant marked IsControl,
// else the first) and the treatment arm of a two-variant test.
func splitControlTreatment(test *Test) (control, treatment *Variant) {
	control = &test.Variants[0]
	treatment = &test.Variants[1]
	if test.Variants[1].IsControl && !test.Variants[0].IsControl {
		control, treatment = treatment, control
	}
	return control, treatment
}

// criticalValue is a large-sample critical-value lookup for the two-sided
// confidence interval at significance level alpha. Deliberately approximate;
// not exact for small n.
func criticalValue(alpha float64) float64 {
	switch {
	case alpha <= 0.01:
		return 2.576
	case alpha <= 0.05:
		return 1.96
	default:
		return 1.645
	}
}

// twoTailedPValue approximates the two-sided p-value of a test statistic
// under the standard normal, monotonically decreasing in t.
func twoTailedPValue(t float64) float64 {
	return 2 * (1 - normalCDF(t))
}

// normalCDF is the standard normal CDF via the Abramowitz and Stegun
// approximation of the error function.
func normalCDF(x float64) float64 {
	const (
		a1 = 0.254829592
		a2 = -0.284496736
		a3 = 1.421413741
		a4 = -1.453152027
		a5 = 1.061405429
		p  = 0.3275911
	)

	sign := 1.0
	if x < 0 {
		sign = -1.0
	}
	x = math.Abs(x) / math.Sqrt2

	t := 1.0 / (1.0 + p*x)
	y := 1.0 - (((((a5*t+a4)*t)+a3)*t+a2)*t+a1)*t*math.Exp(-x*x)

	return 0.5 * (1.0 + sign*y)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// sampleStdDev uses the n-1 denominator; 0 for fewer than two samples.
func sampleStdDev(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sumSquares float64
	for _, v := range values {
		diff := v - mean
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}
