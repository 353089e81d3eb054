package backend

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	tokenPrediction = "Prediction:"
	tokenInterval   = "Confidence_interval:"
	tokenMAE        = "mae:"
	tokenMSE        = "mse:"
	tokenMAPE       = "mape:"
	tokenSMAPE      = "smape:"
)

// R prints vectors as `[1] "..."`; both artefacts are dropped before tokenizing.
var outputCleaner = strings.NewReplacer("[1] ", "", `"`, "")

// ParseOutput extracts a Result for metric from a backend token stream.
//
// Unknown tokens are ignored. Statistics that fail to parse default to zero. The
// result is valid only if a parseable prediction and a parseable two-sided
// confidence interval were both found; otherwise the sentinel from Invalid is returned.
func ParseOutput(metric, output string) Result {
	var (
		value       float64
		lower       float64
		upper       float64
		stats       ErrorStats
		hasValue    bool
		hasInterval bool
	)

	for _, tok := range strings.Fields(outputCleaner.Replace(output)) {
		switch {
		case strings.HasPrefix(tok, tokenPrediction):
			if v, err := parseFloat(strings.TrimPrefix(tok, tokenPrediction)); err == nil {
				value, hasValue = v, true
			}
		case strings.HasPrefix(tok, tokenInterval):
			if lo, hi, ok := parseInterval(strings.TrimPrefix(tok, tokenInterval)); ok {
				lower, upper, hasInterval = lo, hi, true
			}
		case strings.HasPrefix(tok, tokenSMAPE):
			stats.SMAPE = parseStat(strings.TrimPrefix(tok, tokenSMAPE))
		case strings.HasPrefix(tok, tokenMAPE):
			stats.MAPE = parseStat(strings.TrimPrefix(tok, tokenMAPE))
		case strings.HasPrefix(tok, tokenMSE):
			stats.MSE = parseStat(strings.TrimPrefix(tok, tokenMSE))
		case strings.HasPrefix(tok, tokenMAE):
			stats.MAE = parseStat(strings.TrimPrefix(tok, tokenMAE))
		}
	}

	if !hasValue || !hasInterval {
		r := Invalid(metric)
		r.Stats = stats
		return r
	}

	return Result{
		Metric: metric,
		Value:  value,
		Lower:  lower,
		Upper:  upper,
		Valid:  true,
		Stats:  stats,
	}
}

func parseInterval(s string) (float64, float64, bool) {
	lo, hi, found := strings.Cut(s, ",")
	if !found {
		return 0, 0, false
	}
	l, err := parseFloat(lo)
	if err != nil {
		return 0, 0, false
	}
	h, err := parseFloat(hi)
	if err != nil {
		return 0, 0, false
	}
	return l, h, true
}

// parseFloat rejects NaN and infinities along with malformed numbers.
func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", s)
	}
	return v, nil
}

func parseStat(s string) float64 {
	v, err := parseFloat(s)
	if err != nil {
		return 0
	}
	return v
}
