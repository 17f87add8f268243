package atlas

// LoginState tracks one login attempt.
type LoginState int

const (
	Anonymous LoginState = iota
	PendingExternalAuth
	PendingProfileSync
	Authenticated
	Rejected
)

func (state LoginState) String() string {
	switch state {
	case Anonymous:
		return "anonymous"
	case PendingExternalAuth:
		return "pending_external_auth"
	case PendingProfileSync:
		return "pending_profile_sync"
	case Authenticated:
		return "authenticated"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}
