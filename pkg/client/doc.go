// Package client is the Go SDK for the arenaguard admin API.
//
// Exchange the admin secret for a token once, then call the admin
// endpoints with the same client:
//
//	c, err := client.New("https://guard.example.com")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := c.Login(ctx, os.Getenv("ARENAGUARD_ADMIN_SECRET")); err != nil {
//	    log.Fatal(err)
//	}
//	blocks, err := c.ListBlocks(ctx)
//
// A token obtained earlier (for example by 'guardctl token') can be reused
// with WithBearerToken instead of calling Login.
//
// # Blocking an origin
//
//	entry, err := c.Block(ctx, client.BlockRequest{
//	    IP:         "203.0.113.5",
//	    Reason:     "Chargeback fraud",
//	    TTLSeconds: 3600,
//	})
//
// Set Permanent to keep the block until it is removed with Unblock.
//
// # Querying events
//
//	events, err := c.Events(ctx, client.EventQuery{
//	    IP:    "203.0.113.5",
//	    Since: time.Now().Add(-time.Hour),
//	    Limit: 50,
//	})
package client
