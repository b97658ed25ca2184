// Package cmd implements the command-line interface for the urcu
// userspace RCU library. It provides tools to validate and measure RCU
// domains on the current machine.
//
// The package is organized into several subpackages:
//
//   - stress: Use-after-free stress test with readers and writers on a canary object
//   - bench: Benchmarks for read-side sections, grace periods and deferred reclamation
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See urcu -help for a list of all commands.
package cmd
