package domain

// RiskState is the derived classification of a monitored target.
// It is recomputed from samples and never authoritative.
type RiskState string

const (
	RiskStateNew      RiskState = "NEW"
	RiskStateWatching RiskState = "WATCHING"
	RiskStateVolatile RiskState = "VOLATILE"
	RiskStatePumping  RiskState = "PUMPING"
	RiskStateSell     RiskState = "SELL"
	RiskStateSellNow  RiskState = "SELL_NOW"
	RiskStateRugged   RiskState = "RUGGED"
	RiskStateUnknown  RiskState = "UNKNOWN"
)

// String returns the string representation of RiskState.
func (s RiskState) String() string {
	return string(s)
}

// IsValid checks if the state is a known value.
func (s RiskState) IsValid() bool {
	switch s {
	case RiskStateNew, RiskStateWatching, RiskStateVolatile, RiskStatePumping,
		RiskStateSell, RiskStateSellNow, RiskStateRugged, RiskStateUnknown:
		return true
	}
	return false
}

// HasRiskSignal reports whether the state carries a directional signal.
// NEW, WATCHING and UNKNOWN do not.
func (s RiskState) HasRiskSignal() bool {
	switch s {
	case RiskStateNew, RiskStateWatching, RiskStateUnknown, "":
		return false
	}
	return true
}

// ParseRiskState converts a string into a RiskState.
func ParseRiskState(v string) (RiskState, bool) {
	s := RiskState(v)
	return s, s.IsValid()
}
