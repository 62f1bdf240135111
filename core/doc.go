// Package core provides the foundational domain types shared by the pipeline,
// the event bus and the agent loop:
//
//   - Event (immutable inbound occurrence created by a platform adapter)
//   - Session (platform / conversation / sender identity)
//   - Segment (closed set of inbound message segments)
//   - Content / Part (role-based conversation turns exchanged with models)
//
// The package keeps implementation concerns (transport, persistence, model
// vendors) out of scope so every other package can depend on it.
package core
