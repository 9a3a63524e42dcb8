// Package ir provides the value representation used across the worker/host
// boundary.
//
// All other internal packages may import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types anywhere - use int64 for numbers
//   - Canonical JSON (RFC 8785) is the only encoding used for hashing
//   - Requests are compared on replay by domain-separated SHA-256 hashes
package ir
