// Package faults classifies broker failures and provides the transport's
// uniform error type and bounded retry combinator.
//
// Every failure the transport escalates to its caller is an *Error carrying
// the original cause and a human readable context, so callers can handle
// transport failures uniformly with errors.As.
package faults
