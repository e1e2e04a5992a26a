// Package orchestrator schedules the nodes of a dependency set onto local
// worker slots and remote build agents.
//
// Every node moves through Pending, Ready, Dispatched, Building and ends in
// Succeeded or Failed. A node becomes Ready once all of its children reached
// a terminal state. Nodes whose tree hash matches the one recorded by the
// previous successful build, and none of whose children were produced in the
// same run, are marked Succeeded without being dispatched.
//
// A single loop owns the scheduling decisions. It polls agents and collects
// completions from local workers, so it never blocks on a single build.
package orchestrator
