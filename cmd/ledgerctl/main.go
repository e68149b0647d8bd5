package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/auditledger/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL    string
	bearerToken  string
	outputFormat string
	insecure     bool
	configDir    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Audit ledger operator CLI",
	Long: `ledgerctl inspects and feeds an audit ledger.

Remote commands (overview, verify, entry, export, append) talk to a running
ledgerd over HTTP. Local commands (token, archive) read the ledgerd
configuration and act directly on its secret or database.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		v := viper.New()
		v.SetEnvPrefix("ledgerctl")
		v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		v.AutomaticEnv()

		if serverURL == "" {
			serverURL = v.GetString("server")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if bearerToken == "" {
			bearerToken = v.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "ledgerd base URL (env LEDGERCTL_SERVER, default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&bearerToken, "token", "", "bearer token (env LEDGERCTL_TOKEN)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table or json")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification (development only)")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "extra directory searched for ledgerd.yaml by local commands")

	rootCmd.AddCommand(overviewCmd, verifyCmd, entryCmd, exportCmd, appendCmd)
	rootCmd.AddCommand(tokenCmd, archiveCmd)
	rootCmd.AddCommand(versionCmd)
}

// newClient builds an API client from the persistent flags.
func newClient() (*client.Client, error) {
	var opts []client.Option
	if bearerToken != "" {
		opts = append(opts, client.WithBearerToken(bearerToken))
	}
	if insecure {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	return client.New(serverURL, opts...)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "ledgerctl", version)
	},
}
