package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/devattest/devserver"
	"github.com/jmcleod/devattest/internal/util"
	bboltstorage "github.com/jmcleod/devattest/storage/bbolt"
)

var (
	port           int
	sessionSecret  string
	sessionTTL     time.Duration
	challengeLimit int
	trustedProxies []string
	tlsCert        string
	tlsKey         string
)

const serverDBName = "devserver.db"

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run the development verification server",
	Long: `Run a verifier for the software attestation provider. It serves
GET /challenge, GET /health, GET /stats and the protected GET /v1/ping.
Attested keys are stored in --data-dir.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(dataDir, serverDBName), nil)
		if err != nil {
			return fmt.Errorf("failed to open key storage: %w", err)
		}
		defer repo.Close()

		secret := []byte(sessionSecret)
		if len(secret) == 0 {
			if secret, err = util.RandomBytes(32); err != nil {
				return err
			}
			slog.Warn("no --session-secret given; issued sessions will not survive a restart")
		}
		key, err := recordKey("devserver")
		if err != nil {
			return err
		}
		proxies := make([]netip.Prefix, 0, len(trustedProxies))
		for _, p := range trustedProxies {
			prefix, err := netip.ParsePrefix(p)
			if err != nil {
				return fmt.Errorf("invalid --trusted-proxy %q: %w", p, err)
			}
			proxies = append(proxies, prefix)
		}

		srv, err := devserver.New(secret,
			devserver.WithLogger(slog.Default()),
			devserver.WithKeyRepository(repo, key),
			devserver.WithSessionTTL(sessionTTL),
			devserver.WithChallengeLimit(challengeLimit),
			devserver.WithTrustedProxies(proxies),
		)
		if err != nil {
			return err
		}

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Mount("/", srv.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		useTLS := tlsCert != "" && tlsKey != ""
		if useTLS {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		done := make(chan error, 1)
		go func() {
			var err error
			if useTLS {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		out := cmd.OutOrStdout()
		printBanner(out)
		fmt.Fprintf(out, "Starting devserver on port %d (data: %s, tls: %t)...\n", port, dataDir, useTLS)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(devserverCmd)
	f := devserverCmd.Flags()
	f.IntVarP(&port, "port", "p", 8080, "Port to listen on")
	f.StringVar(&sessionSecret, "session-secret", os.Getenv("ATTESTCTL_SESSION_SECRET"), "HS256 secret for session tokens (default $ATTESTCTL_SESSION_SECRET)")
	f.DurationVar(&sessionTTL, "session-ttl", devserver.DefaultSessionTTL, "Lifetime of issued session tokens")
	f.IntVar(&challengeLimit, "challenge-limit", devserver.DefaultChallengeLimit, "Challenges per IP per minute (0 disables)")
	f.StringSliceVar(&trustedProxies, "trusted-proxy", nil, "CIDR whose X-Forwarded-For is trusted (repeatable)")
	f.StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	f.StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
