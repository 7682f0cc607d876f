// Package fleet is the SDK entry point.
//
// A Collection owns the device registry, the write correlator, and the
// synchronization engine, wired to two boundary implementations supplied by
// the caller: an engine.Channel delivering relay pushes and a
// correlator.Transport carrying attribute writes. pkg/transport provides the
// production websocket and REST implementations; internal/sim provides an
// in-memory pair for tests and the demo binary.
//
// Typical use:
//
//	cfg, _ := fleet.LoadConfig("fleet.yaml")
//	relay := transport.NewRelayChannel(cfg.RelayURL, cfg.Token, nil)
//	api := transport.NewAPIClient(cfg.APIURL, cfg.Token, nil)
//	c := fleet.New(relay, api, cfg, logger)
//	c.Start(ctx, accountID, userID)
//	for o := range c.Outcomes() { ... }
package fleet
