// Package session keeps per-conversation history for the agent stage.
//
// Conversations are keyed by core.Session.Origin(), so a group chat shares
// one history while private chats stay separate. Store is the contract; add
// persistent backends in sub-packages without changing callers.
package session
