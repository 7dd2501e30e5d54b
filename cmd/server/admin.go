package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Avicted/sigil/internal/oauth"
	"github.com/Avicted/sigil/internal/storage"
	"github.com/Avicted/sigil/internal/token"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadStorageConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore(store)
			if err := migrateStore(cmd.Context(), store); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newKeygenCmd() *cobra.Command {
	var (
		out   string
		bits  int
		force bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA key for signing ID and access tokens",
		Long: `Generate a PKCS#8 PEM encoded RSA private key. Point
SIGIL_SIGNING_KEY_PATH at the written file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeSigningKey(cmd.OutOrStdout(), out, bits, force)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "file to write the key to (default stdout)")
	cmd.Flags().IntVar(&bits, "bits", 2048, "RSA key size")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func writeSigningKey(stdout io.Writer, path string, bits int, force bool) error {
	if bits < 2048 {
		return fmt.Errorf("key size %d is below 2048 bits", bits)
	}
	pemBytes, err := token.GenerateKeyPEM(bits)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if path == "" {
		_, err := stdout.Write(pemBytes)
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s exists; pass --force to overwrite", path)
		}
		return fmt.Errorf("open key file: %w", err)
	}
	if _, err := f.Write(pemBytes); err != nil {
		_ = f.Close()
		return fmt.Errorf("write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	fmt.Fprintf(stdout, "signing key written to %s\n", path)
	return nil
}

func newAppCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "app",
		Short: "Manage OAuth client applications",
	}
	cmd.AddCommand(newAppCreateCmd())
	return cmd
}

type appCreateOptions struct {
	name         string
	redirectURIs []string
	scopes       []string
	confidential bool
	e2ee         bool
	accessTTL    time.Duration
	refreshTTL   time.Duration
	jsonOutput   bool
}

func newAppCreateCmd() *cobra.Command {
	var opts appCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a client application",
		Long: `Register a client application. The client secret of a confidential
client is printed once and cannot be recovered.`,
		Example: `  sigil app create --name Notes --redirect-uri https://notes.example.com/callback --e2ee
  sigil app create --name Backend --redirect-uri https://api.example.com/cb --confidential`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadStorageConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore(store)
			return createApp(cmd.Context(), store, opts, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.name, "name", "", "application name shown on the consent screen")
	f.StringArrayVar(&opts.redirectURIs, "redirect-uri", nil, "allowed redirect URI (repeatable)")
	f.StringSliceVar(&opts.scopes, "scope", nil, "allowed scopes (default openid,profile)")
	f.BoolVar(&opts.confidential, "confidential", false, "issue a client secret")
	f.BoolVar(&opts.e2ee, "e2ee", false, "require an encrypted app key on every authorization")
	f.DurationVar(&opts.accessTTL, "access-ttl", 0, "access token lifetime (default server setting)")
	f.DurationVar(&opts.refreshTTL, "refresh-ttl", 0, "refresh token lifetime (default server setting)")
	f.BoolVar(&opts.jsonOutput, "json", false, "print the result as JSON")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("redirect-uri")
	return cmd
}

type createdApp struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Name         string   `json:"name"`
	RedirectURIs []string `json:"redirect_uris"`
	Scopes       []string `json:"scopes"`
	RequiresE2EE bool     `json:"requires_e2ee"`
}

// createApp needs only the app repository, so the service is built without
// a signer or identity lookup.
func createApp(ctx context.Context, store storage.Store, opts appCreateOptions, out io.Writer) error {
	svc := oauth.NewService(store.OAuth(), nil, nil, nil, store.Tx(), oauth.Config{})
	app, secret, err := svc.CreateApp(ctx, oauth.NewApp{
		Name:            opts.name,
		RedirectURIs:    opts.redirectURIs,
		Scopes:          opts.scopes,
		Confidential:    opts.confidential,
		AccessTokenTTL:  opts.accessTTL,
		RefreshTokenTTL: opts.refreshTTL,
		RequiresE2EE:    opts.e2ee,
	})
	if err != nil {
		return err
	}
	res := createdApp{
		ClientID:     app.ClientID,
		ClientSecret: secret,
		Name:         app.Name,
		RedirectURIs: app.RedirectURIs,
		Scopes:       app.AllowedScopes,
		RequiresE2EE: app.RequiresE2EE,
	}
	if opts.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintf(out, "client_id:     %s\n", res.ClientID)
	if res.ClientSecret != "" {
		fmt.Fprintf(out, "client_secret: %s\n", res.ClientSecret)
		fmt.Fprintln(out, "store the secret now; it is not shown again")
	}
	return nil
}
