package poll

// Weights are the per-status contributions to the attendance estimate. No
// votes never contribute.
type Weights struct {
	Yes   float64 `yaml:"yes_weight" json:"yes"`
	Maybe float64 `yaml:"maybe_weight" json:"maybe"`
}

// DefaultWeights count a yes as 0.8 of an attendee and a maybe as 0.2.
var DefaultWeights = Weights{Yes: 0.8, Maybe: 0.2}

// Estimate derives an attendance likelihood in [0,1] for one date.
//
// The expected head count is yes*w.Yes + maybe*w.Maybe. It is divided by
// eligible when eligible > 0, otherwise by the number of votes cast for the
// date. With nothing to divide by the estimate is 0. This is a ranking
// signal, not a calibrated probability.
func Estimate(rec StatusRecord, w Weights, eligible int) float64 {
	expected := float64(rec.Yes.Count)*w.Yes + float64(rec.Maybe.Count)*w.Maybe

	denom := eligible
	if denom <= 0 {
		denom = rec.Total()
	}
	if denom <= 0 {
		return 0
	}

	rate := expected / float64(denom)
	switch {
	case rate < 0:
		return 0
	case rate > 1:
		return 1
	}
	return rate
}
