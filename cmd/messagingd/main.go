// Command messagingd runs a secure-messaging node: the ledger engine with
// the profiles, messages and controller services behind an HTTP gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/keyleu/secure-messaging/internal/app"
	"github.com/keyleu/secure-messaging/internal/config"
	"github.com/keyleu/secure-messaging/internal/middleware"
	"github.com/keyleu/secure-messaging/pkg/logger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "messagingd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("messagingd", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to the YAML configuration file")
	envFile := flags.String("env-file", ".env", "dotenv file with environment overrides")
	migrate := flags.Bool("migrate", false, "apply database migrations before starting")
	issueToken := flags.String("issue-token", "", "print a gateway token for the given address and exit")
	tokenTTL := flags.Duration("token-ttl", 24*time.Hour, "lifetime of tokens printed by --issue-token")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		return err
	}
	log := logger.New(cfg.Logging)

	if *issueToken != "" {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required to issue tokens")
		}
		token, err := middleware.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, log).Issue(*issueToken, *tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}
	if cfg.Auth.JWTSecret == "" {
		log.Warn("auth.jwt_secret not set; every execute request will be rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := app.New(ctx, cfg, app.Options{Migrate: *migrate, Logger: log})
	if err != nil {
		return err
	}
	log.WithFields(map[string]interface{}{
		"chain_id":   cfg.Ledger.ChainID,
		"storage":    cfg.Ledger.Storage,
		"height":     node.Engine.Height(),
		"controller": node.Controller,
	}).Info("node ready")

	errCh := node.Start()
	select {
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("gateway failed")
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := node.Stop(shutdownCtx); err != nil {
		return err
	}
	log.Info("node stopped")
	return nil
}
