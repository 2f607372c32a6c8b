// Package internal holds the packages behind the kitdev CLI.
//
// # Package Organization
//
//   - orchestrator: lifecycle of a dev session, the manifest snapshot and rebuild loop
//   - server: request routing across the bundler, static files and rendering
//   - watcher: routes directory monitoring
//   - manifest: route discovery, ordering and matching
//   - appgen: generated client application
//   - bundler: bundler process, proxy and hot-reload socket bridge
//   - loader: on-demand module loading from the bundler
//   - render: render contract, default shell renderer, hot-reload bootstrap
//   - static: static directory handler
//   - workspace: working, output and cache directories
//   - config, logging, errors, version: ambient support
//
// Rebuilds never patch a manifest. Each one produces a complete value that
// replaces the previous snapshot in a single store, and every request reads
// the snapshot exactly once.
package internal
