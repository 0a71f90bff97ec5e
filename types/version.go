// Package types holds identifiers shared by every microlink component.
package types

// Version is the canonical project version, reported by the CLI and
// recorded in pushed archive history.
const Version = "0.1.0"

// UserAgent identifies microlink in outbound HTTP requests.
func UserAgent() string {
	return "microlink/" + Version
}
