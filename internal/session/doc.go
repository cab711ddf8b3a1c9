// Package session provides the in-memory session store behind the session
// cookie. Sessions expire after a configurable idle window.
package session
