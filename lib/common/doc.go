// Package common holds the pieces shared by the library packages and the CLI:
// the log formatter installed into the dragonboat logger registry and log level parsing.
package common
