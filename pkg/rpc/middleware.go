package rpc

import (
	"context"
)

// Middleware wraps dispatch of inbound interactions. It runs on the
// binding's serial queue and must call next to continue the chain.
type Middleware func(ctx context.Context, req *Request, c *Completer, next MethodFunc) error

func buildMethodChain(middleware []Middleware, final MethodFunc) MethodFunc {

	// start with the final dispatch function
	chain := final

	// loop backwards through the middleware slice
	for i := len(middleware) - 1; i >= 0; i-- {
		// capture the current middleware handler
		m := middleware[i]

		// wrap the current chain with the current middleware
		next := chain
		chain = func(ctx context.Context, req *Request, c *Completer) error {
			return m(ctx, req, c, next)
		}
	}

	// return the fully chained dispatch function
	return chain
}
