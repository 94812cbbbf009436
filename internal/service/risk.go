package service

import (
	"stable-peg/internal/config"
)

// Outcome is what a stability check did for one channel.
type Outcome int

const (
	// OutcomeNeutral leaves the risk level unchanged.
	OutcomeNeutral Outcome = iota
	// OutcomeInBand means the channel was observed inside the deadband.
	OutcomeInBand
	// OutcomePaid means a stability payment succeeded.
	OutcomePaid
	// OutcomePaymentFailed means a stability payment was attempted and failed.
	OutcomePaymentFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInBand:
		return "in_band"
	case OutcomePaid:
		return "paid"
	case OutcomePaymentFailed:
		return "payment_failed"
	default:
		return "neutral"
	}
}

// RiskPolicy decides the next risk level of a channel from its current level
// and the outcome of the latest check.
type RiskPolicy interface {
	Next(current int, outcome Outcome) int
}

// NoopRiskPolicy never changes the risk level; it is only set externally.
type NoopRiskPolicy struct{}

// Next implements RiskPolicy.
func (NoopRiskPolicy) Next(current int, _ Outcome) int { return current }

// ConsecutiveFailurePolicy raises risk by Step per failed payment and resets
// it once a payment succeeds or the channel is back in band.
type ConsecutiveFailurePolicy struct {
	Step int
}

// Next implements RiskPolicy.
func (p ConsecutiveFailurePolicy) Next(current int, outcome Outcome) int {
	switch outcome {
	case OutcomePaymentFailed:
		return current + p.Step
	case OutcomePaid, OutcomeInBand:
		return 0
	default:
		return current
	}
}

// NewRiskPolicy maps the configured policy name onto an implementation.
func NewRiskPolicy(name string, step int) RiskPolicy {
	switch name {
	case config.RiskPolicyNone:
		return NoopRiskPolicy{}
	default:
		if step <= 0 {
			step = 25
		}
		return ConsecutiveFailurePolicy{Step: step}
	}
}

var (
	_ RiskPolicy = NoopRiskPolicy{}
	_ RiskPolicy = ConsecutiveFailurePolicy{}
)
