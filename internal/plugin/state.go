package plugin

// State is the lifecycle state of a plugin module.
type State int

const (
	StateUnregistered State = iota
	StateLoading
	StateRegistered
	StateReloaded
	StateFailed
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateLoading:
		return "loading"
	case StateRegistered:
		return "registered"
	case StateReloaded:
		return "reloaded"
	case StateFailed:
		return "failed"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Live reports whether the plugin's endpoints are being served.
func (s State) Live() bool { return s == StateRegistered || s == StateReloaded }

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
