package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/jackc/pgx/v5"

	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/config"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/middleware"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/repository"
)

const apiKeyUsage = "usage: server apikey create [name] | list | revoke <key-id>"

type apiKeyStore interface {
	CreateAPIKey(ctx context.Context, name string) (string, string, error)
	ListAPIKeys(ctx context.Context) ([]repository.APIKeyMeta, error)
	RevokeAPIKey(ctx context.Context, keyID string) error
}

func runAPIKey(ctx context.Context, cfg config.Config, args []string) error {
	if !cfg.Persistent() {
		return errors.New("apikey commands require DATABASE_URL")
	}

	pool, err := openPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	return apiKeyCommand(ctx, repository.NewPostgresRepository(pool), args, os.Stdout)
}

func apiKeyCommand(ctx context.Context, store apiKeyStore, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(apiKeyUsage)
	}

	switch args[0] {
	case "create":
		if len(args) > 2 {
			return errors.New(apiKeyUsage)
		}
		name := ""
		if len(args) == 2 {
			name = args[1]
		}
		keyID, secret, err := store.CreateAPIKey(ctx, name)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "key id: %s\ntoken:  %s\n", keyID, middleware.FormatAPIKeyToken(keyID, secret))
		return err

	case "list":
		if len(args) != 1 {
			return errors.New(apiKeyUsage)
		}
		keys, err := store.ListAPIKeys(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tCREATED")
		for _, key := range keys {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", key.ID, key.Name, key.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))
		}
		return tw.Flush()

	case "revoke":
		if len(args) != 2 {
			return errors.New(apiKeyUsage)
		}
		if err := store.RevokeAPIKey(ctx, args[1]); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("api key %q not found", args[1])
			}
			return err
		}
		_, err := fmt.Fprintf(out, "revoked %s\n", args[1])
		return err

	default:
		return errors.New(apiKeyUsage)
	}
}
