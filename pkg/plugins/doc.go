// Package plugins turns .yf plugin packages into running plugins.
//
// # Overview
//
// A package is a zip archive carrying a META_INF manifest, a go.mod and Go
// sources. The Compiler takes one package through a fixed sequence of
// stages, each in its own workspace:
//
//	extract -> metadata -> dependencies -> build -> load -> discover -> instantiate
//
// Every stage failure is a *PipelineError carrying a Kind, the stage, the
// package and, where one was involved, the dependency string.
// CompilePlugin logs the failure and returns nil, so one broken package never
// stops the others.
//
// # Packages
//
//	archive    zip extraction and packing
//	workspace  per-compile directories under the cache root
//	registry   dependency strings, registry sources and the resolver
//	depcache   the name/version keyed dependency store
//	builder    the go build invocation (host or Docker toolchain)
//	loader     isolated wazero load contexts with an allow-list
//
// # Contract
//
// A plugin is a wasip1 reactor module exporting exactly one hook named
// yf_on_initialize__<Name> with signature () -> i32, and optionally
// yf_on_initialize_async__<Name>. The host provides the yufan module:
//
//	log(level, ptr, len)
//	send_message(target_ptr, target_len, text_ptr, text_len) -> status
//	self_id() -> i64
//
// # Usage
//
//	toolchain, err := builder.NewExecToolchain("")
//	if err != nil {
//		return err
//	}
//	compiler, err := plugins.NewCompiler(plugins.CompilerConfig{
//		CacheDir:  ".plugincache",
//		Sources:   sources,
//		Toolchain: toolchain,
//	}, plugins.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//
//	if lp := compiler.CompilePlugin(ctx, "plugins/echo.yf"); lp != nil {
//		_ = lp.Entry.OnInitialize(ctx, host)
//	}
package plugins
