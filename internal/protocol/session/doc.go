// Package session owns near<->far bridge session wire helpers.
//
// Ownership boundary:
// - pair / pair.ack handshake frames
// - data / close frames
// - connect retry backoff and session timeouts
//
// Delivery is at-most-once. Nothing in this package retries a data frame.
package session
