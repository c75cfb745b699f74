// Package netutil collects the Linux raw-socket-option plumbing the
// transparent-proxy path and the TCP-based tunnel transports need and that
// the standard library doesn't expose directly: traffic marking for
// policy routing, and (built out alongside the transparent listener) the
// original-destination and IP_TRANSPARENT socket options.
package netutil
