package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/vidcoord/pkg/tlsutil"
)

// Version is stamped at build time with -ldflags "-X .../cmd.Version=..."
var Version = "dev"

var (
	cfgFile      string
	serverURL    string
	outputFormat string
	authToken    string
	caCert       string
	clientCert   string
	clientKey    string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "vidcoord",
	Short: "Video processing job coordinator",
	Long: `vidcoord coordinates video-processing jobs: it stores videos, dispatches
processing jobs to a worker queue and tracks their lifecycle.

Run "vidcoord serve" to start the coordinator. The remaining commands are
clients of a running coordinator's HTTP API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and runs it
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initClientConfig)

	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.vidcoord/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "coordinator API URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Authorization header value, e.g. \"Bearer <jwt>\" or \"Worker <id>:<secret>\"")
	rootCmd.PersistentFlags().StringVar(&caCert, "ca-cert", "", "CA certificate used to verify an HTTPS coordinator")
	rootCmd.PersistentFlags().StringVar(&clientCert, "client-cert", "", "client certificate for mTLS")
	rootCmd.PersistentFlags().StringVar(&clientKey, "client-key", "", "client key for mTLS")
}

// initClientConfig resolves the client settings from flags, the config file
// and VIDCOORD_SERVER_URL / VIDCOORD_TOKEN.
func initClientConfig() {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".vidcoord"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("VIDCOORD")
	v.BindEnv("server_url")
	v.BindEnv("token")
	_ = v.ReadInConfig()

	if serverURL == "" {
		serverURL = v.GetString("server_url")
	}
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
	if authToken == "" {
		authToken = v.GetString("token")
	}
	if err := clientTLS(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

// ServerURL returns the configured API URL with trailing slashes removed
func ServerURL() string {
	return strings.TrimRight(serverURL, "/")
}

// IsJSONOutput reports whether JSON output was requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// clientTLS applies the --ca-cert and --client-cert flags to the HTTP client
func clientTLS() error {
	if caCert == "" && clientCert == "" {
		return nil
	}
	tlsCfg, err := tlsutil.ClientConfig(clientCert, clientKey, caCert)
	if err != nil {
		return err
	}
	httpClient.Transport = &http.Transport{TLSClientConfig: tlsCfg}
	return nil
}

// newRequest builds an API request carrying the configured credentials
func newRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, ServerURL()+path, body)
	if err != nil {
		return nil, err
	}
	if authToken != "" {
		token := authToken
		if !strings.Contains(token, " ") {
			token = "Bearer " + token
		}
		req.Header.Set("Authorization", token)
	}
	return req, nil
}

func printJSON(v interface{}) error {
	out, err := jsonIndent(v)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
