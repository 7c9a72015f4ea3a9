package call

// State of a Session. Apart from teardown (any state to Closed, then Idle)
// and a failed join (back to LocalMediaReady), states only move forward.
type State int

const (
	StateIdle State = iota
	StateLocalMediaReady
	StateRoleSelected
	StateDescriptionExchanged
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocalMediaReady:
		return "local-media-ready"
	case StateRoleSelected:
		return "role-selected"
	case StateDescriptionExchanged:
		return "description-exchanged"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Role int

const (
	RoleUndecided Role = iota
	RoleCaller
	RoleCallee
)

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleCallee:
		return "callee"
	default:
		return "undecided"
	}
}
