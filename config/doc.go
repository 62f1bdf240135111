// Package config loads the packbot YAML configuration.
//
// Documents are decoded over Default(), so any key may be omitted. ${VAR}
// references are expanded from the environment before decoding, which keeps
// secrets such as provider.api_key out of the file:
//
//	provider:
//	  type: anthropic
//	  model: claude-3-5-haiku-latest
//	  api_key: ${ANTHROPIC_API_KEY}
//
// A Watcher reloads the file when it changes and hands the validated result
// to a callback; invalid edits are logged and ignored.
package config
