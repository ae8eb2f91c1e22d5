package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmerrifield20/consentledger/internal/identity"
	"github.com/jmerrifield20/consentledger/internal/signature"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ── keygen ───────────────────────────────────────────────────────────────────

var (
	keygenOut  string
	keygenBits int
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an RSA receipt signing key",
	Long: `keygen writes a PKCS#1 private key for consentd's signing.key_file and the
matching public key next to it (<output>.pub), which relying parties can use
with 'consentctl receipt verify --offline --pubkey'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(keygenOut); err == nil {
			return fmt.Errorf("%s already exists", keygenOut)
		}
		svc, err := signature.Generate(keygenBits)
		if err != nil {
			return err
		}
		pubPEM, err := svc.PublicKeyPEM()
		if err != nil {
			return err
		}
		kid, err := svc.KeyID()
		if err != nil {
			return err
		}

		if dir := filepath.Dir(keygenOut); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("create key dir: %w", err)
			}
		}
		if err := os.WriteFile(keygenOut, signature.PrivateKeyPEM(svc.PrivateKey()), 0o600); err != nil {
			return fmt.Errorf("write private key: %w", err)
		}
		if err := os.WriteFile(keygenOut+".pub", []byte(pubPEM), 0o644); err != nil {
			return fmt.Errorf("write public key: %w", err)
		}

		fmt.Printf("✓ Signing key generated\n\n")
		fmt.Printf("  Private: %s\n", keygenOut)
		fmt.Printf("  Public:  %s.pub\n", keygenOut)
		fmt.Printf("  Key ID:  %s\n", kid)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVarP(&keygenOut, "output", "o", "signing.pem", "Private key output path")
	keygenCmd.Flags().IntVar(&keygenBits, "bits", signature.DefaultKeyBits, "RSA key size in bits")
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenSecret   string
	tokenUser     string
	tokenEmail    string
	tokenIssuer   string
	tokenAudience string
	tokenTTL      time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a user token signed with the server's JWT secret",
	Long: `token mints an HS256 bearer token accepted by consentd. It needs the same
secret, issuer and audience as the server's auth.* settings; the secret can
also come from jwt_secret in the config file or CONSENTCTL_JWT_SECRET.

Intended for development and operations, not for end users.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := tokenSecret
		if secret == "" {
			secret = viper.GetString("jwt_secret")
		}
		p, err := identity.NewJWTProvider([]byte(secret), tokenIssuer, tokenAudience)
		if err != nil {
			return err
		}
		if tokenTTL > 0 {
			p.SetTTL(tokenTTL)
		}
		tok, err := p.Issue(tokenUser, tokenEmail)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "JWT signing secret")
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User ID placed in the token subject")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "Email claim")
	tokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "", "Issuer claim (must match auth.issuer)")
	tokenCmd.Flags().StringVar(&tokenAudience, "audience", "", "Audience claim (must match auth.audience)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (provider default when 0)")

	_ = tokenCmd.MarkFlagRequired("user")
}
