package stage

// Token is the single-use guard embedded in every capability token. Invoking a command
// consumes the token; the reply callback for that command delivers a fresh token for
// the next protocol state. The connection-alive check comes from the owning connection
// through the aliveness probe.
type Token struct {
	consumed bool
	alive    func() bool
}

// NewToken constructs a token guard bound to the connection's aliveness probe.
func NewToken(alive func() bool) Token {
	return Token{alive: alive}
}

// Consume marks the token used. It returns ErrTokenConsumed on a second use and
// ErrConnectionClosed when the connection behind the token is gone.
func (token *Token) Consume() error {
	if token.alive != nil && !token.alive() {
		return ErrConnectionClosed
	}
	if token.consumed {
		return ErrTokenConsumed
	}
	token.consumed = true
	return nil
}
