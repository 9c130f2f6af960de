package bridge

// State is the lifecycle of one bridged call. It only moves forward.
type State int

const (
	StateCreated State = iota
	StateAiConnecting
	StateAiReady
	StateConfigured
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAiConnecting:
		return "ai_connecting"
	case StateAiReady:
		return "ai_ready"
	case StateConfigured:
		return "configured"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stats counts frames per direction for one call.
type Stats struct {
	MediaToAI          int
	MediaDropped       int
	AudioToCaller      int
	AudioDropped       int
	TelephonyMalformed int
	AIMalformed        int
	AIServerErrors     int
	ConfigSent         int
	ClearsSent         int
	MarksSent          int
}

type Summary struct {
	CallID      string
	StreamSID   string
	CallSID     string
	State       State
	AIConnected bool
	Configured  bool
	Stats       Stats
}
