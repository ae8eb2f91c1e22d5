package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/consentledger/pkg/client"
	"github.com/spf13/cobra"
)

// ── grant ────────────────────────────────────────────────────────────────────

var (
	grantApp      string
	grantAppName  string
	grantPurposes []string
	grantExpiry   int
	grantOut      string
)

var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Grant consent to an application and save the signed receipt",
	Long: `grant records a new consent for the authenticated user and prints the
signed receipt. Each --purpose is CODE or CODE:category,category.

  consentctl grant --app app_123 --purpose analytics:usage,device --purpose marketing`,
	RunE: func(cmd *cobra.Command, args []string) error {
		purposes := make([]client.Purpose, 0, len(grantPurposes))
		for _, raw := range grantPurposes {
			p, err := parsePurpose(raw)
			if err != nil {
				return err
			}
			purposes = append(purposes, p)
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		receipt, err := c.Grant(context.Background(), client.GrantRequest{
			AppID:       grantApp,
			AppName:     grantAppName,
			Purposes:    purposes,
			ExpiryHours: grantExpiry,
		})
		if err != nil {
			return fmt.Errorf("grant consent: %w", err)
		}

		if grantOut == "" {
			return printJSON(receipt)
		}
		if err := writeReceipt(grantOut, receipt); err != nil {
			return err
		}
		fmt.Printf("✓ Consent granted\n\n")
		fmt.Printf("  Consent: %s\n", receipt.ConsentID)
		fmt.Printf("  Receipt: %s\n", grantOut)
		return nil
	},
}

func init() {
	grantCmd.Flags().StringVar(&grantApp, "app", "", "Application ID receiving consent")
	grantCmd.Flags().StringVar(&grantAppName, "app-name", "", "Application display name (defaults to --app)")
	grantCmd.Flags().StringArrayVar(&grantPurposes, "purpose", nil, "Purpose as CODE or CODE:cat1,cat2 (repeatable)")
	grantCmd.Flags().IntVar(&grantExpiry, "expiry-hours", 0, "Hours until the consent expires (server default when 0)")
	grantCmd.Flags().StringVarP(&grantOut, "output", "o", "", "Write the receipt to this file instead of stdout")

	_ = grantCmd.MarkFlagRequired("app")
	_ = grantCmd.MarkFlagRequired("purpose")
}

// parsePurpose turns "analytics:usage,device" into a Purpose.
func parsePurpose(raw string) (client.Purpose, error) {
	code, cats, _ := strings.Cut(raw, ":")
	code = strings.TrimSpace(code)
	if code == "" {
		return client.Purpose{}, fmt.Errorf("invalid purpose %q: missing code", raw)
	}
	p := client.Purpose{Code: code, Categories: []string{}}
	for _, cat := range strings.Split(cats, ",") {
		if cat = strings.TrimSpace(cat); cat != "" {
			p.Categories = append(p.Categories, cat)
		}
	}
	return p, nil
}

// ── revoke ───────────────────────────────────────────────────────────────────

var revokeReason string

var revokeCmd = &cobra.Command{
	Use:   "revoke <consent-id>",
	Short: "Revoke one of your consents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.Revoke(context.Background(), args[0], revokeReason); err != nil {
			return fmt.Errorf("revoke consent: %w", err)
		}
		fmt.Printf("✓ Consent %s revoked\n", args[0])
		return nil
	},
}

func init() {
	revokeCmd.Flags().StringVar(&revokeReason, "reason", "", "Reason recorded in the audit log")
}

// ── consents ─────────────────────────────────────────────────────────────────

var consentsCmd = &cobra.Command{
	Use:   "consents",
	Short: "List your consents",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		consents, err := c.ListConsents(context.Background())
		if err != nil {
			return fmt.Errorf("list consents: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CONSENT\tAPP\tSTATUS\tEXPIRES")
		for _, cs := range consents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", cs.ConsentID, cs.AppID, cs.Status, cs.ExpiryTime.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

// ── receipt ──────────────────────────────────────────────────────────────────

var receiptCmd = &cobra.Command{
	Use:   "receipt",
	Short: "Fetch and verify consent receipts",
}

var (
	receiptOffline bool
	receiptPubKey  string
	receiptOut     string
)

var receiptVerifyCmd = &cobra.Command{
	Use:   "verify <file|->",
	Short: "Verify a signed consent receipt",
	Long: `verify checks a receipt saved by 'consentctl grant' or 'consentctl receipt get'.

Online (the default) the ledger also checks revocation and expiry.
With --offline only the signature is checked, against the ledger's
published key or a key given with --pubkey.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		receipt, err := readReceipt(args[0])
		if err != nil {
			return err
		}

		var opts []client.Option
		if receiptPubKey != "" {
			pemBytes, err := os.ReadFile(receiptPubKey)
			if err != nil {
				return fmt.Errorf("read public key: %w", err)
			}
			opts = append(opts, client.WithPublicKeyPEM(pemBytes))
		}
		c, err := newClient(opts...)
		if err != nil {
			return err
		}

		ctx := context.Background()
		if receiptOffline {
			ok, err := c.VerifyOffline(ctx, receipt)
			if err != nil {
				return fmt.Errorf("verify receipt: %w", err)
			}
			if !ok {
				return errors.New("receipt signature is not valid")
			}
			fmt.Println("✓ Receipt signature is valid")
			return nil
		}

		result, err := c.Verify(ctx, receipt)
		if err != nil {
			return fmt.Errorf("verify receipt: %w", err)
		}
		fmt.Printf("Status:  %s\n", result.Status)
		fmt.Printf("Message: %s\n", result.Message)
		if !result.Valid {
			return errors.New("receipt is not valid")
		}
		return nil
	},
}

var receiptGetCmd = &cobra.Command{
	Use:   "get <consent-id>",
	Short: "Fetch the stored receipt of one of your consents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		receipt, err := c.GetReceipt(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("get receipt: %w", err)
		}
		if receiptOut == "" {
			return printJSON(receipt)
		}
		return writeReceipt(receiptOut, receipt)
	},
}

func init() {
	receiptVerifyCmd.Flags().BoolVar(&receiptOffline, "offline", false, "Check the signature only, without asking the ledger about revocation")
	receiptVerifyCmd.Flags().StringVar(&receiptPubKey, "pubkey", "", "PEM public key to verify against instead of the ledger's published key")
	receiptGetCmd.Flags().StringVarP(&receiptOut, "output", "o", "", "Write the receipt to this file instead of stdout")

	receiptCmd.AddCommand(receiptVerifyCmd)
	receiptCmd.AddCommand(receiptGetCmd)
}

func writeReceipt(path string, r *client.Receipt) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o600); err != nil {
		return fmt.Errorf("write receipt: %w", err)
	}
	return nil
}

// readReceipt loads a receipt from path, or stdin when path is "-".
// Numbers are kept as json.Number so the payload canonicalises to the
// signed bytes.
func readReceipt(path string) (*client.Receipt, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read receipt: %w", err)
	}
	return decodeReceipt(raw)
}

func decodeReceipt(raw []byte) (*client.Receipt, error) {
	var doc struct {
		client.Receipt
		// Receipts as stored by the ledger carry the payload under "payload".
		Payload map[string]any `json:"payload"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	r := doc.Receipt
	if r.Payload == nil {
		r.Payload = doc.Payload
	}
	if r.Payload == nil || r.Signature == "" {
		return nil, errors.New("receipt must carry receipt_payload and signature")
	}
	return &r, nil
}
