// Package model defines the provider contract the agent loop drives.
//
// A Request carries the conversation and the exported tool schemas. Chat
// returns a Response whose Reply is either a FinalAnswer or ToolRequests;
// ChatStream yields Chunks whose tool call fragments are merged with a
// ToolCallAccumulator. Vendor adapters live in the openai and anthropic
// sub-packages. ScriptedModel replays canned replies for tests and the mock
// provider setting.
package model
