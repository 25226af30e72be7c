package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/vidcoord/pkg/auth"
	"github.com/psantana5/vidcoord/pkg/config"
	"github.com/psantana5/vidcoord/pkg/models"
	"github.com/psantana5/vidcoord/pkg/tlsutil"
)

var (
	tokenRole string
	tokenTTL  time.Duration

	certOut   string
	keyOut    string
	certHosts string
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Credential helpers for operators",
}

var issueTokenCmd = &cobra.Command{
	Use:   "issue-token <subject>",
	Short: "Sign a user token with the configured secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		gw, err := auth.NewJWTGateway(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		if err != nil {
			return err
		}
		token, err := gw.IssueToken(args[0], models.Role(tokenRole), tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret <worker-id> <secret>",
	Short: "Print a worker credential entry for auth.worker_credentials",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashSecret(args[1])
		if err != nil {
			return err
		}
		fmt.Printf("%s:%s\n", args[0], hash)
		return nil
	},
}

var genCertCmd = &cobra.Command{
	Use:   "gen-cert",
	Short: "Generate a self-signed certificate for development",
	RunE: func(cmd *cobra.Command, args []string) error {
		var hosts []string
		for _, h := range strings.Split(certHosts, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hosts = append(hosts, h)
			}
		}
		if err := tlsutil.GenerateSelfSigned(certOut, keyOut, "vidcoord", hosts...); err != nil {
			return err
		}
		fmt.Printf("Certificate written to %s, key to %s\n", certOut, keyOut)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(issueTokenCmd, hashSecretCmd, genCertCmd)

	issueTokenCmd.Flags().StringVar(&tokenRole, "role", string(models.RoleUser), "role: user or admin")
	issueTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	genCertCmd.Flags().StringVar(&certOut, "cert", "certs/vidcoord.crt", "certificate output path")
	genCertCmd.Flags().StringVar(&keyOut, "key", "certs/vidcoord.key", "key output path")
	genCertCmd.Flags().StringVar(&certHosts, "hosts", "", "comma-separated extra IPs and hostnames for the SAN list")
}
