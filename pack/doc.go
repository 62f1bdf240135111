// Package pack implements the extension mechanism. A Pack contributes hooks
// of four kinds: commands ("/name args"), regular expressions, catch-all
// message hooks and LLM tools. The Loader registers tools into the shared
// tool registry and dispatches messages to the other hooks in priority
// order.
//
// Example:
//
//	loader := pack.NewLoader(registry)
//	if err := loader.Load(ctx, weather.New()); err != nil {
//	  log.Println(err)
//	}
//	handled := loader.Dispatch(ctx, pc)
package pack
