// Package platform holds the registry of supported platforms.
//
// A Descriptor pairs URL patterns with an ordered list of candidate
// service endpoints. Descriptors are registered once at startup and
// never mutated, so resolution needs no locking.
//
// Resolution is strictly first-match-wins over registration order.
// This keeps behavior deterministic when several platforms could
// plausibly match the same URL: a broad catch-all descriptor must be
// registered after the specific ones.
package platform
