package evolution

// State identifies where a cycle is.
type State int

const (
	StateIdle State = iota
	StateBackingUp
	StateGenerating
	StateValidating
	StateApplied
	StateRejected
	StateExecuting
	StateSucceeded
	StateFailed
	StateRollingBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBackingUp:
		return "backing_up"
	case StateGenerating:
		return "generating"
	case StateValidating:
		return "validating"
	case StateApplied:
		return "applied"
	case StateRejected:
		return "rejected"
	case StateExecuting:
		return "executing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateRollingBack:
		return "rolling_back"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
