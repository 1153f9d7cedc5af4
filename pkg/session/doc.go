// Package session defines session identity and state: descriptors (the
// tagged origin of a session), nanoid session ids, capability grants,
// and the mutable per-session state carried across turns.
//
// Invariants:
// - A descriptor's Key() is stable for the life of the session.
// - Grants only widen through approved permission decisions.
// - State mutation happens on the owning agent's goroutine only.
package session
