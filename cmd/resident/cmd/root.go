package cmd

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/resident/internal/config"
	tlsutil "github.com/psantana5/resident/pkg/tls"
)

var (
	serverURL    string
	outputFormat string
	cfgFile      string
	adminToken   string
	caFile       string

	settings *viper.Viper
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "resident",
	Short: "Persistent-process request worker",
	Long: `resident boots an application once per worker and serves every HTTP request
and background task from a sandbox of that booted application.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.resident/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default derived from server.addr)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&caFile, "ca-file", "", "CA certificate to trust (default server.tls.cert_file)")
}

// initConfig prepares the settings every command reads
func initConfig() {
	settings = config.NewViper(cfgFile)
	settings.BindEnv("admin_token", config.EnvPrefix+"_ADMIN_TOKEN")

	if adminToken == "" {
		adminToken = settings.GetString("admin_token")
	}
}

// GetServerURL returns the server URL with trailing slashes removed
func GetServerURL() string {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/")
	}
	addr := settings.GetString("server.addr")
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	if settings.GetString("server.tls.cert_file") != "" {
		return "https://" + addr
	}
	return "http://" + addr
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// GetHTTPClient returns the client used for admin requests
func GetHTTPClient() (*http.Client, error) {
	ca := caFile
	if ca == "" {
		ca = settings.GetString("server.tls.cert_file")
	}
	tlsConfig, err := tlsutil.ClientConfig(ca)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}, nil
}

// CreateAuthenticatedRequest creates an HTTP request with the admin token if one is configured
func CreateAuthenticatedRequest(method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}

	if adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}

	return req, nil
}

// fetch performs an admin request and returns the body of a response with
// the expected status
func fetch(req *http.Request, wantStatus int) ([]byte, error) {
	client, err := GetHTTPClient()
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != wantStatus {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
