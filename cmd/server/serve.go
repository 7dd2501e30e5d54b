package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Avicted/sigil/internal/auth"
	"github.com/Avicted/sigil/internal/config"
	"github.com/Avicted/sigil/internal/device"
	"github.com/Avicted/sigil/internal/ephemeral"
	"github.com/Avicted/sigil/internal/httpapi"
	"github.com/Avicted/sigil/internal/loginrequest"
	"github.com/Avicted/sigil/internal/notify"
	"github.com/Avicted/sigil/internal/oauth"
	"github.com/Avicted/sigil/internal/passkey"
	"github.com/Avicted/sigil/internal/push"
	"github.com/Avicted/sigil/internal/securelog"
	"github.com/Avicted/sigil/internal/storage"
	"github.com/Avicted/sigil/internal/token"
	"github.com/Avicted/sigil/internal/trustcode"
	"github.com/Avicted/sigil/internal/user"
	"github.com/Avicted/sigil/internal/ws"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Long: `Run the identity provider. Pending migrations are applied on start.
The server stops gracefully on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return fmt.Errorf("config load failed: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(store)
	if err := migrateStore(ctx, store); err != nil {
		return err
	}

	eph, closeEph, err := openEphemeral(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeEph()

	signer, err := token.LoadSigner(cfg.SigningKeyPath, cfg.SigningKeyID, cfg.Issuer, cfg.ResourceAudience)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}

	a, err := newApp(cfg, store, eph, signer)
	if err != nil {
		return err
	}
	go a.hub.Run(ctx)
	go runCleanup(ctx, cfg.CleanupInterval, store, eph)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
			log.Printf("listening with TLS on %s", cfg.ListenAddr)
			errCh <- srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}

		log.Printf("listening on %s", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err = <-errCh
	case err = <-errCh:
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

type app struct {
	hub     *ws.Hub
	handler http.Handler
}

// newApp wires the services over the given stores. It starts nothing; the
// caller runs the hub.
func newApp(cfg config.Config, store storage.Store, eph ephemeral.Store, signer *token.Signer) (*app, error) {
	users := user.NewService(store.Users(), store.Tx())
	devices := device.NewService(store.Devices())
	authService := auth.NewService(users, devices, trustcode.NewService(store.TrustCodes()), store.Sessions(), store.Tx(), cfg.SessionTTL)

	passkeys, err := passkey.NewService(passkey.Config{
		RPID:             cfg.RPID,
		RPName:           cfg.RPName,
		Origins:          cfg.RPOrigins,
		UserVerification: cfg.UserVerification,
		CeremonyTTL:      cfg.CeremonyTTL,
	}, store.Passkeys(), eph)
	if err != nil {
		return nil, fmt.Errorf("init webauthn: %w", err)
	}

	hub := ws.NewHub(authService, originPatterns(cfg.RPOrigins)...)
	var sender notify.PushSender
	if cfg.PushEnabled() {
		sender = push.NewSender(push.Config{
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subject:         cfg.VAPIDSubject,
			TTL:             int(cfg.LoginRequestTTL.Seconds()),
		})
	}
	fanout := notify.NewFanout(hub, devices, sender)

	requests := loginrequest.NewService(store.LoginRequests(), users, authService, fanout, store.Tx(), cfg.LoginRequestTTL)
	oauthService := oauth.NewService(store.OAuth(), eph, signer, users, store.Tx(), oauth.Config{CodeTTL: cfg.AuthCodeTTL})

	api := httpapi.NewHandler(httpapi.Services{
		Users:         users,
		Devices:       devices,
		Auth:          authService,
		Passkeys:      passkeys,
		LoginRequests: requests,
		OAuth:         oauthService,
		Signer:        signer,
		Hub:           hub,
	}, httpapi.Options{
		TrustCodeRate: cfg.TrustCodeRate,
		SecureCookies: cfg.TLSCertPath != "" || strings.HasPrefix(cfg.Issuer, "https://"),
	})
	return &app{hub: hub, handler: api.Routes()}, nil
}

// originPatterns turns the WebAuthn origins into the host patterns the
// websocket handshake checks.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			continue
		}
		out = append(out, u.Host)
	}
	return out
}

type sweeper interface {
	Sweep() int
}

func runCleanup(ctx context.Context, interval time.Duration, store storage.Store, eph ephemeral.Store) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removeExpired(ctx, now, store, eph)
		}
	}
}

// removeExpired deletes expired durable rows. The Redis store expires keys
// on its own; only the in-process store needs a sweep.
func removeExpired(ctx context.Context, now time.Time, store storage.Store, eph ephemeral.Store) {
	n, err := store.DeleteExpired(ctx, now)
	if err != nil {
		securelog.Error("server.cleanup", err)
	} else if n > 0 {
		securelog.Info("expired records removed", "count", n)
	}
	if s, ok := eph.(sweeper); ok {
		if swept := s.Sweep(); swept > 0 {
			securelog.Info("expired ephemeral records removed", "count", swept)
		}
	}
}
