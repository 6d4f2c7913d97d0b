package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/resident/internal/config"
	"github.com/psantana5/resident/pkg/auth"
	"github.com/psantana5/resident/pkg/logging"
	tlsutil "github.com/psantana5/resident/pkg/tls"
)

var (
	configFormat string
	hashToken    string

	certOut      string
	keyOut       string
	certName     string
	certValidFor time.Duration
	certHosts    []string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  `Commands for inspecting the effective configuration and generating admin credentials.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Merges defaults, the config file and RESIDENT_* environment variables and
prints the result.`,
	RunE: runConfigShow,
}

var configHashTokenCmd = &cobra.Command{
	Use:   "hash-token",
	Short: "Generate an admin token and its hash",
	Long: `Generates a random admin token, or hashes the one given with --token, and
prints the bcrypt hash to put in admin.token_hash.`,
	RunE: runConfigHashToken,
}

var configLogrotateCmd = &cobra.Command{
	Use:   "logrotate",
	Short: "Print a logrotate configuration for the server log",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print(logging.GenerateLogrotateConfig("resident"))
		return nil
	},
}

var configGenCertCmd = &cobra.Command{
	Use:   "gen-cert",
	Short: "Generate a self-signed server certificate",
	Long: `Writes a self-signed certificate and key for server.tls. The certificate
covers localhost and every --host given.`,
	RunE: runConfigGenCert,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configGenCertCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configHashTokenCmd)
	configCmd.AddCommand(configLogrotateCmd)

	configShowCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "Output format: yaml, toml, json")
	configHashTokenCmd.Flags().StringVar(&hashToken, "token", "", "token to hash instead of generating one")

	configGenCertCmd.Flags().StringVar(&certOut, "cert", "server.crt", "certificate output path")
	configGenCertCmd.Flags().StringVar(&keyOut, "key", "server.key", "private key output path")
	configGenCertCmd.Flags().StringVar(&certName, "name", "resident", "certificate common name")
	configGenCertCmd.Flags().DurationVar(&certValidFor, "valid-for", 365*24*time.Hour, "certificate lifetime")
	configGenCertCmd.Flags().StringSliceVar(&certHosts, "host", nil, "additional IP address or DNS name (repeatable)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if _, err := config.Load(settings); err != nil {
		return err
	}
	all := settings.AllSettings()

	switch configFormat {
	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		if err := encoder.Encode(all); err != nil {
			return fmt.Errorf("failed to encode YAML: %w", err)
		}
		return encoder.Close()
	case "toml":
		if err := toml.NewEncoder(os.Stdout).Encode(all); err != nil {
			return fmt.Errorf("failed to encode TOML: %w", err)
		}
		return nil
	case "json":
		output, err := json.MarshalIndent(all, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	default:
		return fmt.Errorf("unsupported format %q", configFormat)
	}
}

func runConfigHashToken(cmd *cobra.Command, args []string) error {
	token := hashToken
	generated := token == ""
	if generated {
		var err error
		if token, err = auth.GenerateToken(); err != nil {
			return err
		}
	}

	hash, err := auth.HashToken(token, settings.GetInt("admin.bcrypt_cost"))
	if err != nil {
		return err
	}

	if generated {
		fmt.Printf("Token:      %s\n", token)
	}
	fmt.Printf("Token hash: %s\n\n", hash)
	fmt.Println("Set admin.token_hash (or RESIDENT_ADMIN_TOKEN_HASH) on the server and")
	fmt.Println("RESIDENT_ADMIN_TOKEN for the CLI.")
	return nil
}

func runConfigGenCert(cmd *cobra.Command, args []string) error {
	if err := tlsutil.GenerateSelfSignedCert(certOut, keyOut, certName, certValidFor, certHosts...); err != nil {
		return err
	}
	fmt.Printf("Certificate: %s\nKey:         %s\n\n", certOut, keyOut)
	fmt.Println("Set server.tls.cert_file and server.tls.key_file to serve HTTPS.")
	return nil
}
