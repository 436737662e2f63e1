package attendance

// SessionRef names the session a redemption targets. It is resolved once
// from the raw client input and then carried through the whole redemption.
type SessionRef struct {
	id       string
	fallback bool
}

// Real refers to a session that must exist in the session store.
func Real(id string) SessionRef { return SessionRef{id: id} }

// Fallback refers to the well-known manual-code session, which is never
// looked up.
func Fallback() SessionRef { return SessionRef{fallback: true} }

func (r SessionRef) IsFallback() bool { return r.fallback }

// ID returns the session ID of a Real ref and "" for Fallback.
func (r SessionRef) ID() string { return r.id }
