// Package transport provides the production boundary implementations: a
// websocket relay channel (engine.Channel) and a JSON write API client
// (correlator.Transport).
//
// Both take authentication as an opaque bearer token; obtaining and renewing
// the token is the caller's concern.
package transport
