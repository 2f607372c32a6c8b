package orchestrator

// State is a lifecycle state of an Orchestrator.
type State int

const (
	Created State = iota
	Initializing
	WatchingFiles
	BundlerStarting
	Serving
	Closed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Initializing:
		return "initializing"
	case WatchingFiles:
		return "watching_files"
	case BundlerStarting:
		return "bundler_starting"
	case Serving:
		return "serving"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// canTransition reports whether from -> to is a legal step. Startup is
// strictly sequential; Closed is reachable from everywhere except itself.
func canTransition(from, to State) bool {
	if to == Closed {
		return from != Closed
	}
	return from != Closed && to == from+1
}
