package license

// SessionState is the lifecycle state of a Session
type SessionState int32

const (
	StateStopped SessionState = iota
	StateStarting
	StateRunning
)

func (s SessionState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "stopped"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
