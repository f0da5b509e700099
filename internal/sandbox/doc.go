/*
Package sandbox runs untrusted JavaScript in an isolated goja runtime.

The proxy's routing configuration is distributed as a script that calls a
well-known global with the configuration object. The sandbox evaluates it
with:

  - a call stack limit
  - an execution timeout and context cancellation (VM interrupt)
  - no require/process/module/exports
  - inert timers
  - console output captured instead of printed

Usage:

	rt, _ := sandbox.New(sandbox.DefaultConfig())
	_ = rt.Expose("jsproxy_config", func(v any) { got = v })
	_, err := rt.Execute(ctx, script)
*/
package sandbox
