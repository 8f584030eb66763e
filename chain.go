package govssoclient

import "net/http"

// Middleware is one stage of the authenticated request pipeline.
type Middleware func(http.Handler) http.Handler

// Chain is an explicit, ordered list of request-processing stages. The
// order is part of the contract, not an artifact of registration order:
//
//  1. session expiration check: rejects sessions expired by a
//     back-channel logout before anything else runs. Precondition: none.
//     Postcondition: the request's session, if any, is not expired.
//  2. token refresh: keeps the access token valid. Precondition: session
//     not expired. Postcondition: stored tokens valid for at least the
//     configured lead time, or the request was redirected to
//     re-authentication.
//  3. business handler.
//
// The back-channel logout endpoint is never part of a chain: it is
// server-to-server, carries no session and bypasses CSRF.
type Chain struct {
	stages []Middleware
}

// NewChain builds a chain executing the given stages in order.
func NewChain(stages ...Middleware) Chain {
	return Chain{stages: append([]Middleware(nil), stages...)}
}

// Append returns a new chain with additional trailing stages.
func (c Chain) Append(stages ...Middleware) Chain {
	combined := make([]Middleware, 0, len(c.stages)+len(stages))
	combined = append(combined, c.stages...)
	combined = append(combined, stages...)
	return Chain{stages: combined}
}

// Then wraps the final handler with every stage, first stage outermost.
func (c Chain) Then(h http.Handler) http.Handler {
	if h == nil {
		h = http.DefaultServeMux
	}
	for i := len(c.stages) - 1; i >= 0; i-- {
		h = c.stages[i](h)
	}
	return h
}
