package cmd

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/payhook/internal/auth"
)

// loadIssuer builds a token issuer from --key-file or JWT_PRIVATE_KEY. With
// neither set a throwaway key is generated and generated reports true.
func loadIssuer(cmd *cobra.Command) (issuer *auth.TokenIssuer, generated bool, err error) {
	keyFile, _ := cmd.Flags().GetString("key-file")
	kid, _ := cmd.Flags().GetString("kid")
	iss, _ := cmd.Flags().GetString("issuer")
	aud, _ := cmd.Flags().GetString("audience")

	pemData := os.Getenv("JWT_PRIVATE_KEY")
	if keyFile != "" {
		b, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, false, fmt.Errorf("read key file: %w", err)
		}
		pemData = string(b)
	}

	var key *rsa.PrivateKey
	if pemData != "" {
		key, err = auth.ParsePrivateKeyPEM(pemData)
	} else {
		key, err = auth.GenerateKey()
		generated = true
	}
	if err != nil {
		return nil, false, err
	}
	return auth.NewTokenIssuer(key, kid, iss, aud), generated, nil
}

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a JWT for the payment API",
	Long: `Mint an RS256 JWT for the payment API. The signing key comes from
--key-file or JWT_PRIVATE_KEY; without either a throwaway key is generated
and its public half printed so the server can be started with it.

Example:
  payhookctl token --subject user_1 --ttl 2h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		showKey, _ := cmd.Flags().GetBool("public-key")

		issuer, generated, err := loadIssuer(cmd)
		if err != nil {
			return err
		}
		token, err := issuer.Issue(subject, ttl)
		if err != nil {
			return err
		}

		var pub string
		if generated || showKey {
			if pub, err = issuer.PublicKeyPEM(); err != nil {
				return err
			}
		}
		out := map[string]any{"token": token, "expiresIn": int(ttl.Seconds())}
		if pub != "" {
			out["publicKey"] = pub
		}
		printOutput(cmd.OutOrStdout(), out, func(w io.Writer) {
			fmt.Fprintln(w, token)
			if pub != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), "\nStart payhook with JWT_PUBLIC_KEY set to:")
				fmt.Fprint(cmd.ErrOrStderr(), pub)
			}
		})
		return nil
	},
}

var tokenServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a JWKS endpoint and a token minting endpoint",
	Long: `Serve /.well-known/jwks.json and POST /token for local setups. Point
payhook at it with JWT_JWKS_URL=http://<listen>/.well-known/jwks.json.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		issuer, _, err := loadIssuer(cmd)
		if err != nil {
			return err
		}

		srv := &http.Server{Addr: listen, Handler: issuer.Handler(), ReadHeaderTimeout: 5 * time.Second}
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		fmt.Fprintf(cmd.OutOrStdout(), "JWKS endpoint: http://%s/.well-known/jwks.json\n", listen)
		fmt.Fprintf(cmd.OutOrStdout(), "Token creation: POST http://%s/token\n", listen)

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-cmd.Context().Done():
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		}
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenServeCmd)

	tokenCmd.PersistentFlags().String("key-file", "", "PEM RSA private key (default JWT_PRIVATE_KEY)")
	tokenCmd.PersistentFlags().String("kid", auth.DefaultKeyID, "key id placed in the token header")
	tokenCmd.PersistentFlags().String("issuer", "payhook", "iss claim")
	tokenCmd.PersistentFlags().String("audience", "payhook-api", "aud claim")

	tokenCmd.Flags().String("subject", "", "user id the token authenticates (required)")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	tokenCmd.Flags().Bool("public-key", false, "also print the public key PEM")
	tokenCmd.MarkFlagRequired("subject")

	tokenServeCmd.Flags().String("listen", "127.0.0.1:8082", "listen address")
}
