package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Wikid82/cerberus/internal/config"
	"github.com/Wikid82/cerberus/internal/database"
	"github.com/Wikid82/cerberus/internal/evidence"
	"github.com/Wikid82/cerberus/internal/logger"
	"github.com/Wikid82/cerberus/internal/models"
	"github.com/Wikid82/cerberus/internal/server"
	"github.com/Wikid82/cerberus/internal/signing"
	"github.com/Wikid82/cerberus/internal/version"
)

var errNotVerified = errors.New("bundle did not verify")

func main() {
	if err := NewCerberusCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewCerberusCommand returns the root command. Without a subcommand it serves.
func NewCerberusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cerberus",
		Short: "cerberus admits requests and records signed, log-anchored evidence of every decision.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
		SilenceUsage: true,
	}
	cmd.AddCommand(NewCmdServe(), NewCmdKeygen(), NewCmdVerify(), NewCmdVersion())
	return cmd
}

func NewCmdServe() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admission API and evidence pipeline.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
		SilenceUsage: true,
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Debug, logger.RotatingWriter(cfg.LogDir))
	logger.Log().WithField("version", version.Full()).Info("starting cerberus")

	db, err := database.Connect(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	srv, err := server.New(db, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.Run(ctx); err != nil {
		logger.Log().WithError(err).Error("server stopped with error")
		return err
	}
	logger.Log().Info("server stopped")
	return nil
}

func NewCmdKeygen() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 signing key pair in PEM format.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists", out)
			}
			_, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			if err := signing.WritePrivateKey(out, priv); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s.pub (key id %s)\n",
				out, out, signing.KeyID(priv.Public().(ed25519.PublicKey)))
			return nil
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&out, "out", "o", "data/keys/signing.pem", "private key path; the public key is written next to it with a .pub suffix")
	return cmd
}

func NewCmdVerify() *cobra.Command {
	var publicKey string
	cmd := &cobra.Command{
		Use:   "verify <bundle_id>",
		Short: "Verify a stored evidence bundle offline against a public key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if publicKey == "" {
				if cfg.Evidence.SigningKeyPath == "" {
					return errors.New("--public-key is required when no signing key path is configured")
				}
				publicKey = cfg.Evidence.SigningKeyPath + ".pub"
			}
			raw, err := os.ReadFile(publicKey)
			if err != nil {
				return fmt.Errorf("read public key: %w", err)
			}
			pub, err := signing.ParsePublicKey(raw)
			if err != nil {
				return err
			}

			b, err := loadBundle(cmd.Context(), cfg, args[0])
			if err != nil {
				return err
			}
			res := evidence.Verify(signing.NewPublicKeyVerifier(pub), b)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Verified {
				return errNotVerified
			}
			return nil
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVar(&publicKey, "public-key", "", "PEM public key to verify against (default <signing key path>.pub)")
	return cmd
}

func loadBundle(ctx context.Context, cfg config.Config, id string) (*models.EvidenceBundle, error) {
	db, err := database.Connect(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	var blobs evidence.BlobStore = evidence.NewGormBlobStore(db)
	if cfg.Evidence.Store == config.EvidenceStoreRedis {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Evidence.RedisAddr})
		defer rdb.Close()
		blobs = evidence.NewRedisBlobStore(rdb, "")
	}
	return evidence.NewRepository(blobs, db).Load(ctx, id)
}

func NewCmdVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print cerberus version information.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		},
		SilenceUsage: true,
	}
}
