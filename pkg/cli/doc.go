// Package cli provides the yufanbot command-line interface.
//
// # Commands
//
// run: Compile every package in the plugin directory and host the plugins
// until SIGINT or SIGTERM
//
//	yufanbot run -config yufanbot.yaml -plugins ./plugins
//
// compile: Run packages through the pipeline, report each result and unload
//
//	yufanbot compile echo.yf weather.yf
//
// Every failure is printed with its kind and the stage that produced it:
//
//	FAIL  weather.yf: DependencyNotFound
//	      stage: dependencies
//	      dependency: geolib:2.0.0
//
// pack: Zip a plugin project (META_INF, go.mod and sources) into a .yf file
//
//	yufanbot pack -dir ./echo -out echo.yf
//
// clean-cache: Remove abandoned build workspaces, and with -all every
// cached dependency
//
//	yufanbot clean-cache -all
//
// Commands read configuration from -config (default yufanbot.yaml when
// present) overlaid with YUFAN_* environment variables; see package config.
package cli
