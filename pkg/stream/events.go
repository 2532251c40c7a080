package stream

// Feed event types.
const (
	TypeReady      = "ready"
	TypeBreaker    = "breaker"
	TypeRevocation = "revocation"
	TypeDispatch   = "dispatch"
)

// BreakerUpdate mirrors a circuit event for feed consumers.
type BreakerUpdate struct {
	Server string `json:"server"`
	Event  string `json:"event"`
	State  string `json:"state"`
}

// BreakerTransition wraps a circuit event (OPEN, HALF_OPEN, CLOSED,
// REJECT, TIMEOUT, FALLBACK) for the feed.
func BreakerTransition(server, event, state string) Event {
	return NewEvent(TypeBreaker, BreakerUpdate{Server: server, Event: event, State: state})
}

// RevocationNotice announces a credential invalidation. Kind is "token"
// or "user"; Source records where the revocation came from ("admin" for
// the HTTP endpoints, "feed" for the Kafka consumer).
type RevocationNotice struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Source string `json:"source,omitempty"`
}

func TokenRevoked(tokenID, source string) Event {
	return NewEvent(TypeRevocation, RevocationNotice{Kind: "token", ID: tokenID, Source: source})
}

func UserRevoked(userID, source string) Event {
	return NewEvent(TypeRevocation, RevocationNotice{Kind: "user", ID: userID, Source: source})
}

// DispatchNotice records one dispatch verdict, allowed or denied.
type DispatchNotice struct {
	User    string `json:"user,omitempty"`
	Server  string `json:"server,omitempty"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

func Dispatched(user, server, outcome, reason string) Event {
	return NewEvent(TypeDispatch, DispatchNotice{User: user, Server: server, Outcome: outcome, Reason: reason})
}
