// Package middleware holds the request pipeline stages. Every stage has the
// shape Func and knows nothing about its neighbours; the pipeline package
// decides which ones run and in what order.
//
// Stages share per-request facts through the context: Tracer installs a
// RequestInfo that Router and Authenticate fill in, Router stores the
// matched Route for Authorize and Dispatch, and Authenticate stores the
// security.Identity.
package middleware
