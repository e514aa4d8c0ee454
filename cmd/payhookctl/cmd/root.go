package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	serverAddr string
	timeout    time.Duration
	outputJSON bool
	prettyJSON bool
	jwtToken   string
	secret     string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "payhookctl",
	Short: "Payhook CLI - drive the payhook webhook ingestion service",
	Long: `Payhook CLI (payhookctl) is a command line tool for the payhook
payment webhook service.

You can use it to send signed webhook events, initiate payments and check
their status, inspect the processing queue, mint API tokens and tail the
dead letter topic.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.payhookctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:3000", "payhook base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&prettyJSON, "pretty", false, "use jq for pretty JSON formatting (requires jq)")
	rootCmd.PersistentFlags().StringVar(&jwtToken, "token", "", "JWT token for the payment API (overrides JWT_TOKEN env var)")
	rootCmd.PersistentFlags().StringVar(&secret, "secret", "", "webhook signing secret (overrides WEBHOOK_SECRET env var)")

	// Bind flags to viper
	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	viper.BindPFlag("pretty", rootCmd.PersistentFlags().Lookup("pretty"))
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	viper.BindPFlag("secret", rootCmd.PersistentFlags().Lookup("secret"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".payhookctl")
	}

	viper.SetEnvPrefix("payhook")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Override global variables with config values if flags weren't explicitly set
	flags := rootCmd.PersistentFlags()
	if !flags.Changed("server") {
		if s := viper.GetString("server"); s != "" {
			serverAddr = s
		}
	}
	if !flags.Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !flags.Changed("json") {
		outputJSON = viper.GetBool("json")
	}
	if !flags.Changed("pretty") {
		prettyJSON = viper.GetBool("pretty")
	}
	if !flags.Changed("token") {
		if t := viper.GetString("token"); t != "" {
			jwtToken = t
		} else if t := os.Getenv("JWT_TOKEN"); t != "" {
			jwtToken = t
		}
	}
	if !flags.Changed("secret") {
		if s := viper.GetString("secret"); s != "" {
			secret = s
		} else if s := os.Getenv("WEBHOOK_SECRET"); s != "" {
			secret = s
		}
	}
}

// apiResponse is a fully read HTTP response.
type apiResponse struct {
	Status int
	Body   []byte
}

// decode unmarshals the body into v.
func (r apiResponse) decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response (status %d): %w", r.Status, err)
	}
	return nil
}

// apiError returns the server's error message for non-2xx responses.
func (r apiResponse) apiError() error {
	if r.Status >= 200 && r.Status < 300 {
		return nil
	}
	var e struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if json.Unmarshal(r.Body, &e) == nil && e.Error != "" {
		if e.Reason != "" {
			return fmt.Errorf("server returned %d (%s): %s", r.Status, e.Reason, e.Error)
		}
		return fmt.Errorf("server returned %d: %s", r.Status, e.Error)
	}
	return fmt.Errorf("server returned %d", r.Status)
}

// makeHTTPRequest sends body as-is to the payhook server. headers are added
// on top of Content-Type and the bearer token.
func makeHTTPRequest(ctx context.Context, method, path string, body []byte, headers map[string]string) (apiResponse, error) {
	client := &http.Client{Timeout: timeout}

	url := strings.TrimRight(serverAddr, "/") + path
	if !strings.Contains(serverAddr, "://") {
		url = "http://" + url
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return apiResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if jwtToken != "" {
		req.Header.Set("Authorization", "Bearer "+jwtToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return apiResponse{}, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return apiResponse{}, fmt.Errorf("read response: %w", err)
	}
	return apiResponse{Status: resp.StatusCode, Body: b}, nil
}

// requestJSON marshals v and sends it.
func requestJSON(ctx context.Context, method, path string, v any) (apiResponse, error) {
	var body []byte
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return apiResponse{}, fmt.Errorf("failed to marshal body: %w", err)
		}
		body = b
	}
	return makeHTTPRequest(ctx, method, path, body, nil)
}

// checkJQAvailable checks if jq is available in PATH
func checkJQAvailable() bool {
	_, err := exec.LookPath("jq")
	return err == nil
}

// formatWithJQ formats JSON using jq for pretty printing
func formatWithJQ(jsonData []byte) (string, error) {
	if !checkJQAvailable() {
		return "", fmt.Errorf("jq not found in PATH")
	}

	cmd := exec.Command("jq", ".")
	cmd.Stdin = bytes.NewReader(jsonData)

	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("jq formatting failed: %s", stderr.String())
	}

	return out.String(), nil
}

// printOutput writes v as JSON when --json is set. human is used otherwise;
// a nil human falls back to %+v.
func printOutput(w io.Writer, v any, human func(io.Writer)) {
	if !outputJSON {
		if human != nil {
			human(w)
		} else {
			fmt.Fprintf(w, "%+v\n", v)
		}
		return
	}

	var jsonData []byte
	var err error
	if raw, ok := v.(json.RawMessage); ok {
		jsonData = raw
		if !prettyJSON {
			var buf bytes.Buffer
			if json.Indent(&buf, raw, "", "  ") == nil {
				jsonData = buf.Bytes()
			}
		}
	} else if prettyJSON {
		// Compact JSON if we're going to format with jq
		jsonData, err = json.Marshal(v)
	} else {
		jsonData, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
		return
	}

	if prettyJSON {
		formatted, jqErr := formatWithJQ(jsonData)
		if jqErr == nil {
			fmt.Fprint(w, formatted)
			return
		}
		fmt.Fprintf(os.Stderr, "Warning: %v, falling back to standard formatting\n", jqErr)
		var buf bytes.Buffer
		if json.Indent(&buf, jsonData, "", "  ") == nil {
			jsonData = buf.Bytes()
		}
	}
	fmt.Fprintln(w, string(jsonData))
}
