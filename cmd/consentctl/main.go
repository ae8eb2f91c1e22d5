package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jmerrifield20/consentledger/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	ledgerURL string
	authToken string
	cfgFile   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "consentctl",
	Short: "Consent ledger CLI",
	Long: `consentctl talks to a consent ledger server.

It grants and revokes consents, verifies signed receipts online or offline,
and checks the integrity of the hash-chained audit log.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.consentctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("CONSENTCTL")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if ledgerURL == "" {
			ledgerURL = viper.GetString("ledger_url")
		}
		if ledgerURL == "" {
			ledgerURL = "http://localhost:8080"
		}
		if authToken == "" {
			authToken = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.consentctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&ledgerURL, "server", "", "Consent ledger base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Bearer token for user-scoped routes")

	rootCmd.AddCommand(chainCmd)
	rootCmd.AddCommand(receiptCmd)
	rootCmd.AddCommand(grantCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(consentsCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

// newClient builds a ledger client carrying the configured token.
func newClient(opts ...client.Option) (*client.Client, error) {
	if authToken != "" {
		opts = append(opts, client.WithBearerToken(authToken))
	}
	return client.New(ledgerURL, opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the consentctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("consentctl %s\n", version)
	},
}
