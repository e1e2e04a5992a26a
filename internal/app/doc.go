// Package app wires the assetgrid components together. It loads the
// configuration file, builds the dependency graph, connects agents and runs
// the orchestrator, and it hosts the agent and cache servers. It is decoupled
// from any specific entrypoint like a CLI.
package app
