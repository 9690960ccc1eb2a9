// Package images defines the keyword record, the URL selection policy, and the
// lifecycle transitions shared by the store backends, the orchestrator, and the
// HTTP API.
package images
