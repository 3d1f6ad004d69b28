package cmd

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/devattest/attest"
	"github.com/jmcleod/devattest/internal/util"
	"github.com/jmcleod/devattest/session"
	bboltstorage "github.com/jmcleod/devattest/storage/bbolt"
)

var (
	serverURL    string
	dataDir      string
	recordSecret string
	providerName string
	logJSON      bool
	logDebug     bool
)

const (
	clientDBName    = "attestctl.db"
	recordNamespace = "attestctl"
)

var rootCmd = &cobra.Command{
	Use:   "attestctl",
	Short: "attestctl drives the device attestation session exchange",
	Long: `Fetch challenges, attest a device key and exchange the proof for a
short-lived session token, then call protected endpoints with it.

State (session token, attested key id, software keys) lives in --data-dir.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		slog.SetDefault(newLogger())
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&serverURL, "server", "http://localhost:8080", "Verification server base URL")
	pf.StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	pf.StringVar(&recordSecret, "record-secret", os.Getenv("ATTESTCTL_RECORD_SECRET"), "Secret sealing records at rest (default $ATTESTCTL_RECORD_SECRET)")
	pf.StringVar(&providerName, "provider", "software", "Attestation provider: software or none")
	pf.BoolVar(&logJSON, "log-json", false, "Emit JSON logs")
	pf.BoolVar(&logDebug, "log-debug", false, "Enable debug logging")
}

func newLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if logDebug {
		opts.Level = slog.LevelDebug
	}
	if logJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// recordKey derives the at-rest key for name, or nil when no secret is set.
func recordKey(name string) ([]byte, error) {
	if recordSecret == "" {
		return nil, nil
	}
	return util.DeriveRecordKey([]byte(recordSecret), name)
}

// openService wires a session.Service over the client database. The
// returned close function must be called when done.
func openService() (*session.Service, func(), error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(dataDir, clientDBName), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open client storage: %w", err)
	}
	key, err := recordKey(recordNamespace)
	if err != nil {
		repo.Close()
		return nil, nil, err
	}

	var provider attest.Provider
	switch providerName {
	case "software":
		provider = attest.NewSoftwareProvider(attest.WithKeyRepository(repo, key))
	case "none":
		provider = attest.Unsupported{}
	default:
		repo.Close()
		return nil, nil, fmt.Errorf("unknown provider %q", providerName)
	}

	svc := session.New(session.Config{
		BaseURL:    serverURL,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Provider:   provider,
		Repository: repo,
		RecordKey:  key,
	}, session.WithLogger(slog.Default()))

	return svc, func() {
		svc.Close()
		repo.Close()
	}, nil
}
