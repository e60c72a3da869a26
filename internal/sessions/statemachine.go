// Package sessions owns the coaching session lifecycle: booking, the state machine and
// the lock-guarded transitions that move a session between states.
package sessions

import "github.com/aura-coaching/backend/internal/models"

var transitions = map[models.SessionStatus][]models.SessionStatus{
	models.SessionPendingCoachResponse: {models.SessionScheduled, models.SessionDeclined, models.SessionCancelled},
	models.SessionScheduled:            {models.SessionReady, models.SessionCancelled},
	models.SessionReady:                {models.SessionInProgress, models.SessionCancelled},
	models.SessionInProgress:           {models.SessionCompleted, models.SessionNoShow, models.SessionCancelled},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to models.SessionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTransitions lists the states reachable from from in one step.
func AllowedTransitions(from models.SessionStatus) []models.SessionStatus {
	out := make([]models.SessionStatus, len(transitions[from]))
	copy(out, transitions[from])
	return out
}

// PriceCoins is the price of a session of the given length.
func PriceCoins(durationMinutes, coinsPerMinute int) int {
	return durationMinutes * coinsPerMinute
}
