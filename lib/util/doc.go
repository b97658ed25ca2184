// Package util provides helpers shared by the stress and benchmark tools.
//
// The package contains:
//   - statistics: Fairness score for per-goroutine counters
//   - functions: Seed generation and thread id allocation
package util
