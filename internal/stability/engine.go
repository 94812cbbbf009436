// Package stability holds the pure peg decision policy. Nothing here performs
// I/O or mutates shared state; callers pass a snapshot and act on the result.
package stability

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// DefaultThresholdPct is the deviation below which drift is treated as noise.
	DefaultThresholdPct = 0.1
	// DefaultMaxRisk is the risk counter above which no action is taken.
	DefaultMaxRisk = 100
)

// Action enumerates the closed set of decisions.
type Action int

const (
	ActionNotInitialized Action = iota
	ActionDoNothing
	ActionWait
	ActionPay
	ActionHighRisk
)

func (a Action) String() string {
	switch a {
	case ActionNotInitialized:
		return "not_initialized"
	case ActionDoNothing:
		return "do_nothing"
	case ActionWait:
		return "wait"
	case ActionPay:
		return "pay"
	case ActionHighRisk:
		return "high_risk"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Snapshot is the subset of a managed channel the policy reads.
type Snapshot struct {
	Role        Role
	TargetUSD   decimal.Decimal
	ReceiverUSD decimal.Decimal
	Price       decimal.Decimal
	RiskCounter int
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Action       Action
	AmountMsat   uint64
	RiskLevel    int
	DeviationUSD decimal.Decimal
	DeviationPct decimal.Decimal
}

func (d Decision) String() string {
	switch d.Action {
	case ActionPay:
		return fmt.Sprintf("pay(%d msat)", d.AmountMsat)
	case ActionHighRisk:
		return fmt.Sprintf("high_risk(%d)", d.RiskLevel)
	default:
		return d.Action.String()
	}
}

// Policy parameterises the decision thresholds.
type Policy struct {
	ThresholdPct decimal.Decimal
	MaxRisk      int
}

// DefaultPolicy returns the 0.1% deadband and risk ceiling of 100.
func DefaultPolicy() Policy {
	return Policy{
		ThresholdPct: decimal.NewFromFloat(DefaultThresholdPct),
		MaxRisk:      DefaultMaxRisk,
	}
}

// Decide evaluates s with the default policy.
func Decide(s Snapshot) Decision {
	return DefaultPolicy().Decide(s)
}

// Decide maps a channel snapshot to exactly one action.
func (p Policy) Decide(s Snapshot) Decision {
	if s.Price.Sign() <= 0 || s.TargetUSD.Sign() <= 0 {
		return Decision{Action: ActionNotInitialized}
	}

	deviation := s.ReceiverUSD.Sub(s.TargetUSD)
	pct := deviation.Div(s.TargetUSD).Mul(decHundred).Abs()
	out := Decision{DeviationUSD: deviation, DeviationPct: pct}

	if s.RiskCounter > p.MaxRisk {
		out.Action = ActionHighRisk
		out.RiskLevel = s.RiskCounter
		return out
	}

	if pct.LessThan(p.ThresholdPct) {
		out.Action = ActionDoNothing
		return out
	}

	receiverBelow := s.ReceiverUSD.LessThan(s.TargetUSD)
	weOwe := (s.Role == RoleReceiver && !receiverBelow) || (s.Role == RoleProvider && receiverBelow)
	if !weOwe {
		out.Action = ActionWait
		return out
	}

	out.Action = ActionPay
	out.AmountMsat = MsatFromUSD(deviation, s.Price)
	return out
}

// WithinDeadband reports whether pct is below the policy threshold.
func (p Policy) WithinDeadband(pct decimal.Decimal) bool {
	return pct.LessThan(p.ThresholdPct)
}
