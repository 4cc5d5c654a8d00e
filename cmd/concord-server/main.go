package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/MarcoPoloResearchLab/concord/internal/auth"
	"github.com/MarcoPoloResearchLab/concord/internal/config"
	"github.com/MarcoPoloResearchLab/concord/internal/identity"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "concord-server",
		Short: "Federated chat state replica",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand(), newKeygenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("server-name", defaults.GetString("server.name"), "Display name announced to peers")
	cmd.PersistentFlags().String("peer-key", defaults.GetString("peer.key_path"), "Path to the ed25519 peer key seed")
	cmd.PersistentFlags().StringSlice("peers", nil, "Peers to dial as <hex-id>@ws://host:port/s2s")
	cmd.PersistentFlags().StringSlice("peer-allowlist", nil, "Peer identities allowed to connect (empty allows any)")
	cmd.PersistentFlags().String("snapshot-backend", defaults.GetString("snapshot.backend"), "Snapshot store (sqlite, badger)")
	cmd.PersistentFlags().StringSlice("cors-origins", nil, "Allowed CORS origins")
	cmd.PersistentFlags().String("signing-secret", "", "Actor token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "server.name", "server-name")
	bindFlag(cmd, "peer.key_path", "peer-key")
	bindFlag(cmd, "peer.addresses", "peers")
	bindFlag(cmd, "peer.allowlist", "peer-allowlist")
	bindFlag(cmd, "snapshot.backend", "snapshot-backend")
	bindFlag(cmd, "cors.allowed_origins", "cors-origins")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

type tokenOutput struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func newTokenCommand() *cobra.Command {
	var (
		actor string
		nick  string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an actor bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				Audience:      appConfig.AuthAudience,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueActorToken(cmd.Context(), actor, nick)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(tokenOutput{AccessToken: token, ExpiresIn: expiresIn, TokenType: "Bearer"})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Verified actor the token speaks for")
	cmd.Flags().StringVar(&nick, "nick", "", "Default nick carried by the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func newKeygenCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create a peer identity key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "" {
				if _, err := os.Stat(output); err == nil {
					return fmt.Errorf("refusing to overwrite %s", output)
				}
				key, err := identity.LoadOrCreateKey(output)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), key.ID.String())
				return err
			}
			key, err := identity.GenerateKey()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "id:   %s\nseed: %s\n", key.ID.String(), hex.EncodeToString(key.Private.Seed()))
			return err
		},
	}
	cmd.Flags().StringVar(&output, "out", "", "Write the seed to this file instead of printing it")
	return cmd
}
