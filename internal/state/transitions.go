package state

// allowedTransitions maps each status to the statuses it may move to.
// Statuses absent from the map are terminal.
var allowedTransitions = map[Status][]Status{
	StatusPending:     {StatusReady, StatusRunning, StatusStopped, StatusFailed},
	StatusReady:       {StatusStarting, StatusStopped, StatusFailed, StatusPending},
	StatusStarting:    {StatusRunning, StatusReady, StatusFailed, StatusStopped},
	StatusRunning:     {StatusCompleted, StatusFailed, StatusStopped, StatusMerging, StatusInterrupted},
	StatusInterrupted: {StatusReady, StatusFailed},
	StatusCompleted:   {StatusMerging},
	StatusFailed:      {StatusRunning, StatusReady, StatusStopped},
	StatusStopped:     {StatusReady},
	StatusMerging:     {StatusMerged, StatusFailed},
}

// ValidTransition reports whether status from may move to status to.
// A no-op transition (from == to) is always valid.
func ValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status has no outgoing transitions.
func Terminal(s Status) bool {
	return len(allowedTransitions[s]) == 0
}
