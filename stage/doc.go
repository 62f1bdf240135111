// Package stage provides the canonical pipeline stages of a chat bot and
// Build, which assembles them from a configuration snapshot:
//
//	wake (10) -> access (20) -> ratelimit (30) -> guard (35) -> session (40)
//	-> dispatch (50) -> agent (60) -> decorate (80) -> deliver (90)
//
// Stages copy the configuration values they need at construction. Changing
// the configuration means building a new engine.
package stage
