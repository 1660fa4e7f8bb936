package scope

// Signal names one piece of evidence that an asset belongs to a program.
type Signal string

const (
	SignalDomainRule   Signal = "domain_rule"
	SignalSANCert      Signal = "san_cert"
	SignalPTRRecord    Signal = "ptr_record"
	SignalASNMatch     Signal = "asn_match"
	SignalReverseWhois Signal = "reverse_whois"
	SignalCNAMEChain   Signal = "cname_chain"
	SignalCDN          Signal = "cdn_association"
)

// Fixed evidence weights. Signals are binary; the score is the capped sum
// of the weights present.
var signalWeights = map[Signal]float64{
	SignalDomainRule:   1.0,
	SignalSANCert:      0.6,
	SignalPTRRecord:    0.5,
	SignalASNMatch:     0.4,
	SignalReverseWhois: 0.3,
	SignalCNAMEChain:   0.3,
	SignalCDN:          0.2,
}

// DefaultThreshold splits confident from uncertain assets.
const DefaultThreshold = 0.6

// Assessment is the outcome of scoring one asset.
type Assessment struct {
	InScope    bool
	Confidence float64
}

// Scorer turns evidence signals into a scope assessment.
type Scorer struct {
	threshold float64
}

// NewScorer builds a scorer; a non-positive threshold falls back to the
// default of 0.6.
func NewScorer(threshold float64) *Scorer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Scorer{threshold: threshold}
}

// Threshold returns the confident/uncertain split point.
func (s *Scorer) Threshold() float64 { return s.threshold }

// Score sums the weights of the distinct signals present, caps the result
// at 1.0, and compares against the threshold. A domain-rule signal forces
// InScope regardless of the numeric score.
func (s *Scorer) Score(signals ...Signal) Assessment {
	seen := make(map[Signal]bool, len(signals))
	var sum float64
	var domainRule bool
	for _, sig := range signals {
		if seen[sig] {
			continue
		}
		seen[sig] = true
		sum += signalWeights[sig]
		if sig == SignalDomainRule {
			domainRule = true
		}
	}
	if sum > 1 {
		sum = 1
	}
	return Assessment{
		InScope:    domainRule || sum >= s.threshold,
		Confidence: sum,
	}
}
