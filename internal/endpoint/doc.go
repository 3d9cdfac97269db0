// Package endpoint runs one bridgectl process: a bridge.Session, the link
// supervision loop for its transport, and the admin HTTP API.
package endpoint
