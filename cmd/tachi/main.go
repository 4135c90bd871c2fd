package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tachi-protocol/tachi/internal/auth"
	"github.com/tachi-protocol/tachi/pkg/crawler"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile    string
	gatewayURL string
	bearer     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tachi",
	Short: "Tachi pay-per-crawl CLI",
	Long: `tachi is the command-line interface for the Tachi protocol.

It fetches paid content as a crawler, manages publisher licenses, inspects
the proof-of-crawl ledger, and drives governance transactions on a gateway.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.tachi")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if gatewayURL == "" {
			gatewayURL = viper.GetString("gateway_url")
		}
		if gatewayURL == "" {
			gatewayURL = "http://localhost:8402"
		}
		if bearer == "" {
			bearer = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.tachi/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "gateway", "", "Tachi gateway base URL (default http://localhost:8402)")
	rootCmd.PersistentFlags().StringVar(&bearer, "token", "", "bearer token for admin endpoints")

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(quoteCmd)
	rootCmd.AddCommand(licenseCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(govCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

// ── fetch / quote ────────────────────────────────────────────────────────────

var (
	fetchPublisher  string
	fetchPrivateKey string
	fetchRPCURL     string
	fetchTokenAddr  string
	fetchAttempts   int
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Fetch a document, paying the gateway's quoted price if challenged",
	Long: `Fetch retrieves a URL as a crawler. When the gateway answers with a
402 challenge, the quoted amount is paid with an ERC-20 transfer signed by
--private-key and the request is retried with the transaction hash:

  tachi fetch --private-key $KEY --rpc https://mainnet.base.org https://example.com/article`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := []crawler.Option{
			crawler.WithRetry(fetchAttempts, time.Second),
		}
		if fetchPublisher != "" {
			opts = append(opts, crawler.WithPublisher(fetchPublisher))
		}
		if fetchPrivateKey != "" {
			payer, err := newKeyedPayer(fetchPrivateKey, fetchRPCURL, fetchTokenAddr)
			if err != nil {
				return err
			}
			opts = append(opts, crawler.WithPayer(payer))
		}

		res, err := crawler.New(opts...).Fetch(context.Background(), args[0])
		if err != nil {
			return err
		}
		if res.Paid {
			fmt.Fprintf(os.Stderr, "paid %d (minor units), tx %s\n", res.PricePaid, res.TxHash.Hex())
		}
		_, err = os.Stdout.Write(res.Body)
		return err
	},
}

var quoteCmd = &cobra.Command{
	Use:   "quote <url>",
	Short: "Show the payment challenge for a URL without paying",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := []crawler.Option{}
		if fetchPublisher != "" {
			opts = append(opts, crawler.WithPublisher(fetchPublisher))
		}
		ch, err := crawler.New(opts...).Quote(context.Background(), args[0])
		if err != nil {
			return err
		}
		if ch == nil {
			fmt.Println("free: no payment required")
			return nil
		}
		return printJSON(ch)
	},
}

func init() {
	for _, c := range []*cobra.Command{fetchCmd, quoteCmd} {
		c.Flags().StringVar(&fetchPublisher, "publisher", "", "publisher ID to price against (bypasses host lookup)")
	}
	fetchCmd.Flags().StringVar(&fetchPrivateKey, "private-key", "", "hex private key used to sign the payment")
	fetchCmd.Flags().StringVar(&fetchRPCURL, "rpc", "https://mainnet.base.org", "chain RPC endpoint")
	fetchCmd.Flags().StringVar(&fetchTokenAddr, "token", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", "settlement token address")
	fetchCmd.Flags().IntVar(&fetchAttempts, "attempts", 5, "retries while the payment is unconfirmed")
}

// ── license ──────────────────────────────────────────────────────────────────

var licenseCmd = &cobra.Command{
	Use:   "license",
	Short: "Manage publisher licenses",
}

var (
	licPublisher string
	licDomain    string
	licPayTo     string
	licPrice     int64
	licAPIKey    string
)

var licenseCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a license (operator token required)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiCall(http.MethodPost, "/api/v1/licenses", map[string]any{
			"publisher_id": licPublisher,
			"domain":       licDomain,
			"pay_to":       licPayTo,
			"price_minor":  licPrice,
		})
	},
}

var licenseGetCmd = &cobra.Command{
	Use:   "get <license-id>",
	Short: "Show a license",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiCall(http.MethodGet, "/api/v1/licenses/"+args[0], nil)
	},
}

var licenseTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Exchange a publisher API key for a bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiCall(http.MethodPost, "/api/v1/licenses/token", map[string]any{
			"publisher_id": licPublisher,
			"api_key":      licAPIKey,
		})
	},
}

func init() {
	licenseCreateCmd.Flags().StringVar(&licPublisher, "publisher", "", "publisher ID")
	licenseCreateCmd.Flags().StringVar(&licDomain, "domain", "", "protected domain")
	licenseCreateCmd.Flags().StringVar(&licPayTo, "pay-to", "", "publisher wallet address")
	licenseCreateCmd.Flags().Int64Var(&licPrice, "price", 0, "price per crawl in token minor units")
	for _, f := range []string{"publisher", "domain", "pay-to", "price"} {
		_ = licenseCreateCmd.MarkFlagRequired(f)
	}

	licenseTokenCmd.Flags().StringVar(&licPublisher, "publisher", "", "publisher ID")
	licenseTokenCmd.Flags().StringVar(&licAPIKey, "api-key", "", "publisher API key")
	_ = licenseTokenCmd.MarkFlagRequired("publisher")
	_ = licenseTokenCmd.MarkFlagRequired("api-key")

	licenseCmd.AddCommand(licenseCreateCmd, licenseGetCmd, licenseTokenCmd)
}

// ── ledger ───────────────────────────────────────────────────────────────────

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the proof-of-crawl ledger",
}

var ledgerTotalCmd = &cobra.Command{
	Use:   "total",
	Short: "Show total logged crawls and the ledger root",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiCall(http.MethodGet, "/api/v1/crawls", nil)
	},
}

var ledgerEntryCmd = &cobra.Command{
	Use:   "entry <sequence-id>",
	Short: "Show one ledger entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiCall(http.MethodGet, "/api/v1/crawls/"+args[0], nil)
	},
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the ledger's hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiCall(http.MethodGet, "/api/v1/crawls/verify", nil)
	},
}

func init() {
	ledgerCmd.AddCommand(ledgerTotalCmd, ledgerEntryCmd, ledgerVerifyCmd)
}

// ── governance ───────────────────────────────────────────────────────────────

var govCmd = &cobra.Command{
	Use:   "gov",
	Short: "Drive governance transactions",
}

var (
	govSigner      string
	govDestination string
	govPayload     string
)

var govSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a governance transaction",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiCall(http.MethodPost, "/api/v1/governance/transactions", map[string]any{
			"signer":      govSigner,
			"destination": govDestination,
			"payload":     govPayload,
		})
	},
}

func govActionCmd(use, short, action string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return apiCall(http.MethodPost,
				"/api/v1/governance/transactions/"+args[0]+"/"+action,
				map[string]any{"signer": govSigner})
		},
	}
}

var govStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show a governance transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiCall(http.MethodGet, "/api/v1/governance/transactions/"+args[0], nil)
	},
}

var govSignersCmd = &cobra.Command{
	Use:   "signers",
	Short: "Show the signer set and threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiCall(http.MethodGet, "/api/v1/governance/signers", nil)
	},
}

func init() {
	govSubmitCmd.Flags().StringVar(&govDestination, "destination", "", "destination address")
	govSubmitCmd.Flags().StringVar(&govPayload, "payload", "", "hex-encoded payload")
	_ = govSubmitCmd.MarkFlagRequired("destination")
	_ = govSubmitCmd.MarkFlagRequired("payload")

	confirm := govActionCmd("confirm", "Confirm a governance transaction", "confirm")
	revoke := govActionCmd("revoke", "Revoke a confirmation", "revoke")
	execute := govActionCmd("execute", "Execute a confirmed transaction", "execute")

	for _, c := range []*cobra.Command{govSubmitCmd, confirm, revoke, execute} {
		c.Flags().StringVar(&govSigner, "signer", "", "signer address")
		_ = c.MarkFlagRequired("signer")
	}

	govCmd.AddCommand(govSubmitCmd, confirm, revoke, execute, govStatusCmd, govSignersCmd)
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenSecret  string
	tokenSubject string
	tokenRole    string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin bearer token locally",
	Long: `Token signs a bearer token with the gateway's shared secret. Used to
bootstrap the first operator token before any licenses exist.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		issuer := auth.NewTokenIssuer(tokenSecret, gatewayURL, tokenTTL)
		tok, err := issuer.Issue(tokenSubject, tokenRole)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "gateway admin.jwt_secret")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "token subject")
	tokenCmd.Flags().StringVar(&tokenRole, "role", auth.RoleOperator, "token role")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("secret")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("tachi", version)
	},
}

// ── helpers ──────────────────────────────────────────────────────────────────

// apiCall performs one JSON round trip against the gateway and prints the
// response body.
func apiCall(method, path string, body map[string]any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, gatewayURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	var pretty any
	if json.Unmarshal(raw, &pretty) == nil {
		if err := printJSON(pretty); err != nil {
			return err
		}
	} else {
		os.Stdout.Write(raw)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("gateway answered %s", resp.Status)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

