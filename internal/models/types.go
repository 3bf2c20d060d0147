package models

// SessionState represents where the AniDB session is in its lifecycle
type SessionState string

const (
	SessionUnauthenticated SessionState = "unauthenticated"
	SessionAuthenticating  SessionState = "authenticating"
	SessionActive          SessionState = "active"
	SessionBanned          SessionState = "banned"
	SessionExpired         SessionState = "expired"
)

// LocalStatus represents whether an episode exists in the local collection
type LocalStatus string

const (
	LocalMissing             LocalStatus = "missing"
	LocalPresent             LocalStatus = "present"
	LocalPresentNonCanonical LocalStatus = "present_non_canonical" // Present, but the filename lacks an SxxEyy token
)

// Phase represents the stage a collection check is in, reported to the UI layer
type Phase string

const (
	PhaseScanning    Phase = "scanning"
	PhaseQuerying    Phase = "querying"
	PhaseReconciling Phase = "reconciling"
)

// Confidence ranks how sure a matcher is about an anime identity
type Confidence int

const (
	ConfidenceNone Confidence = iota
	ConfidenceLow
	ConfidenceMedium
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceLow:
		return "low"
	case ConfidenceMedium:
		return "medium"
	case ConfidenceHigh:
		return "high"
	default:
		return "none"
	}
}
