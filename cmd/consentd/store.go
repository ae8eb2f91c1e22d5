package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/consentledger/internal/ledger"
	"github.com/jmerrifield20/consentledger/internal/signature"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// openStore builds the configured Ledger Store. The returned func releases it.
func openStore(ctx context.Context, logger *zap.Logger) (ledger.Store, func(), error) {
	switch driver := viper.GetString("storage.driver"); driver {
	case "memory":
		logger.Warn("storage: in-memory ledger, all data is lost on restart")
		return ledger.NewMemoryStore(), func() {}, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, viper.GetString("database.url"))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		return ledger.NewPostgresStore(pool, logger), pool.Close, nil

	case "sqlite":
		path := viper.GetString("storage.sqlite_path")
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		s, err := ledger.OpenSQLite(path, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("opened sqlite ledger", zap.String("path", path))
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("close sqlite ledger", zap.Error(err))
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage.driver %q (want memory, postgres or sqlite)", driver)
	}
}

// loadSigner loads the receipt signing key. Without a key file an ephemeral
// key is generated, and receipts it signs cannot be verified after restart.
func loadSigner(logger *zap.Logger) (*signature.Service, error) {
	path := viper.GetString("signing.key_file")
	bits := viper.GetInt("signing.key_bits")

	if path == "" {
		logger.Warn("signing: no key file configured, generating an ephemeral key")
		return signature.Generate(bits)
	}

	svc, err := signature.LoadPEM(path)
	if err == nil {
		logger.Info("signing key loaded", zap.String("path", path))
		return svc, nil
	}
	if !errors.Is(err, os.ErrNotExist) || !viper.GetBool("signing.generate_if_missing") {
		return nil, err
	}

	svc, err = signature.Generate(bits)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, signature.PrivateKeyPEM(svc.PrivateKey()), 0o600); err != nil {
		return nil, fmt.Errorf("write signing key: %w", err)
	}
	logger.Info("signing key generated", zap.String("path", path))
	return svc, nil
}
