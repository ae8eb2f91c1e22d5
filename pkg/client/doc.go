// Package client is the Go SDK for the consent ledger API.
//
// Data fiduciaries use it to grant and revoke consent on a user's behalf;
// relying parties use it to check receipts they are presented.
//
// # Granting consent
//
//	c, err := client.New("https://consent.example.com",
//	    client.WithBearerToken(userToken),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	receipt, err := c.Grant(ctx, client.GrantRequest{
//	    AppID:    "fitness-app",
//	    Purposes: []client.Purpose{{Code: "analytics", Categories: []string{"steps"}}},
//	})
//
// # Verifying a presented receipt
//
// Verify asks the ledger, which also checks revocation:
//
//	result, err := c.Verify(ctx, receipt)
//	if err == nil && result.Valid {
//	    // consent is active
//	}
//
// VerifyOffline checks only the signature against the published key. The key
// is fetched once and cached for the duration set by WithKeyCacheTTL:
//
//	ok, err := c.VerifyOffline(ctx, receipt)
//
// # Auditing
//
// VerifyChain runs the ledger's hash-chain check and returns its report:
//
//	report, err := c.VerifyChain(ctx, client.ChainQuery{Limit: 500})
//	if report.Status != "VALID" {
//	    // investigate report.Violations
//	}
package client
