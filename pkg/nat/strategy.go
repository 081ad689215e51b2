package nat

import "fmt"

// Probability is the expected likelihood that punching succeeds
type Probability int

const (
	ProbabilityLow Probability = iota
	ProbabilityMedium
	ProbabilityHigh
)

func (p Probability) String() string {
	switch p {
	case ProbabilityHigh:
		return "high"
	case ProbabilityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Strategy describes how a pair of peers should punch
type Strategy struct {
	Local  Class
	Remote Class

	Probability Probability

	// Attempts is the number of fresh punch sessions worth trying.
	// Each attempt re-registers, which gives a PortVariable NAT a new mapping.
	Attempts int

	// ProbeAll probes every candidate endpoint instead of only the primary one
	ProbeAll bool
}

// LowProbability reports whether success depends on chance port alignment
func (s Strategy) LowProbability() bool {
	return s.Probability == ProbabilityLow
}

func (s Strategy) String() string {
	return fmt.Sprintf("%s <-> %s (probability %s, %d attempt(s))",
		s.Local, s.Remote, s.Probability, s.Attempts)
}

// StrategyConfig bounds the attempts handed out per probability
type StrategyConfig struct {
	HighAttempts   int
	MediumAttempts int
	LowAttempts    int
}

// DefaultStrategyConfig returns the attempt budget used by the orchestrator
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		HighAttempts:   2,
		MediumAttempts: 4,
		LowAttempts:    1,
	}
}

// PlanFor returns the punching strategy for a local/remote class pair using
// the default attempt budget
func PlanFor(local, remote Class) Strategy {
	return DefaultStrategyConfig().Plan(local, remote)
}

// Plan returns the punching strategy for a local/remote class pair
func (c StrategyConfig) Plan(local, remote Class) Strategy {
	s := Strategy{Local: local, Remote: remote}

	switch {
	case local == PortConsistent && remote == PortConsistent:
		// Known candidate endpoint on both sides
		s.Probability = ProbabilityHigh
		s.Attempts = c.HighAttempts

	case local == PortVariable && remote == PortVariable:
		// No port prediction: both mappings change per destination
		s.Probability = ProbabilityLow
		s.Attempts = c.LowAttempts
		s.ProbeAll = true

	default:
		// One side is stable, the other (or an unknown) depends on its next
		// outbound mapping matching what the server observed
		s.Probability = ProbabilityMedium
		s.Attempts = c.MediumAttempts
		s.ProbeAll = true
	}

	if s.Attempts < 1 {
		s.Attempts = 1
	}
	return s
}
