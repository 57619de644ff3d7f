// Package message defines the transport-level message: a header map plus an
// opaque body, and the reserved header names the transport translates into
// broker envelope fields.
package message
