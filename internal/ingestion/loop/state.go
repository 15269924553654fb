package loop

// State is a phase of the ingestion loop.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateValidating
	StateWriting
	StateCheckpointing
	StateFailed
)

var stateNames = []string{"idle", "discovering", "validating", "writing", "checkpointing", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
