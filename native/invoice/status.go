package invoice

import "sort"

// allowedTransitions is the canonical state machine. Presentation layers derive
// their labels from it instead of maintaining their own mappings.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusEscrowed: {},
		StatusExpired:  {},
		StatusFailed:   {},
	},
	StatusEscrowed: {
		StatusDelivered: {},
		StatusFailed:    {},
	},
	StatusDelivered: {
		StatusAccepted: {},
		StatusEscrowed: {},
		StatusFailed:   {},
	},
	StatusFailed: {
		StatusPending: {},
	},
	StatusAccepted: {},
	StatusExpired:  {},
}

// ValidateTransition returns a TransitionError when from -> to is not permitted.
func ValidateTransition(from, to Status) error {
	next, ok := allowedTransitions[from]
	if !ok {
		return &TransitionError{From: from, To: to}
	}
	if _, ok := next[to]; !ok {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// Terminal reports whether no further transitions leave the status.
func (s Status) Terminal() bool {
	next, ok := allowedTransitions[s]
	return ok && len(next) == 0
}

// Transitions returns the permitted successor states of s in a stable order.
func Transitions(s Status) []Status {
	next := allowedTransitions[s]
	out := make([]Status, 0, len(next))
	for to := range next {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidPath reports whether the log describes a legal walk through the table
// starting at pending with gapless sequences.
func ValidPath(log []Transition) bool {
	current := StatusPending
	for i, entry := range log {
		if entry.Sequence != uint64(i+1) {
			return false
		}
		if entry.From != current {
			return false
		}
		if ValidateTransition(entry.From, entry.To) != nil {
			return false
		}
		current = entry.To
	}
	return true
}
