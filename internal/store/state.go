package store

// transitions lists every allowed command status change.
var transitions = map[string][]string{
	StatusPending: {StatusSent, StatusSuccess, StatusFail, StatusCanceled},
	StatusSent:    {StatusSuccess, StatusFail, StatusCanceled, StatusPending},
	StatusFail:    {StatusPending},
}

func canTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func validCommandStatus(s string) bool {
	switch s {
	case StatusPending, StatusSent, StatusSuccess, StatusFail, StatusCanceled:
		return true
	}
	return false
}
