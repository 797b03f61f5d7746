package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

// newTokenCommand signs a bearer token with the vaultd HMAC secret. It is
// meant for operators and development setups that hold the secret.
func newTokenCommand() *cobra.Command {
	var (
		subject   string
		scopes    []string
		ttl       time.Duration
		secretEnv string
		issuer    string
		audience  string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a vaultd API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkAddress("subject", subject); err != nil {
				return err
			}
			secret := strings.TrimSpace(os.Getenv(secretEnv))
			if secret == "" {
				return fmt.Errorf("%s must hold the vaultd HMAC secret", secretEnv)
			}
			signed, err := signToken([]byte(secret), common.HexToAddress(subject), scopes, issuer, audience, ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), signed)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "caller address the token acts as")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{"vault:write"}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&secretEnv, "secret-env", "VAULTD_JWT_SECRET", "environment variable holding the HMAC secret")
	cmd.Flags().StringVar(&issuer, "issuer", "", "iss claim")
	cmd.Flags().StringVar(&audience, "audience", "", "aud claim")
	return cmd
}

func signToken(secret []byte, subject common.Address, scopes []string, issuer, audience string, ttl time.Duration, now time.Time) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}
	claims := jwt.MapClaims{
		"sub":   subject.Hex(),
		"scope": strings.Join(scopes, " "),
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	if audience != "" {
		claims["aud"] = audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
