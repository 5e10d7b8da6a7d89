package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/lantianlaoli/flowtra/internal/adapter/repo"
	"github.com/lantianlaoli/flowtra/internal/domain"
	"github.com/lantianlaoli/flowtra/internal/infra"
	"github.com/lantianlaoli/flowtra/internal/ledger"
	"github.com/lantianlaoli/flowtra/migrations"
)

type options struct {
	userID   string
	grant    int
	note     string
	instance string
}

func main() {
	_ = godotenv.Load()

	var (
		opts        options
		migrateFlag bool
	)
	flag.StringVar(&opts.userID, "user", "", "user id to inspect or credit")
	flag.IntVar(&opts.grant, "grant", 0, "purchased credits to add (0 only prints the balance)")
	flag.StringVar(&opts.note, "note", "manual purchase", "description stored on the purchase transaction")
	flag.StringVar(&opts.instance, "workflow", "", "only list transactions of this workflow instance")
	flag.BoolVar(&migrateFlag, "migrate", false, "apply the embedded schema before anything else")
	flag.Parse()

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "credits").Logger()
	if migrateFlag {
		if err := infra.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
			exitWithError(err)
		}
		if opts.userID == "" {
			return
		}
	}

	store := repo.NewStore(infra.NewSQLRunner(pool, logger))
	if err := run(ctx, store, opts, os.Stdout); err != nil {
		exitWithError(err)
	}
}

func run(ctx context.Context, store domain.Store, opts options, out io.Writer) error {
	userID := strings.TrimSpace(opts.userID)
	if userID == "" {
		return errors.New("-user is required")
	}
	if opts.grant < 0 {
		return errors.New("-grant must not be negative")
	}

	if opts.grant > 0 {
		err := store.InTx(ctx, func(tx domain.Store) error {
			return ledger.New(tx.Credits()).Grant(ctx, userID, opts.grant, opts.note)
		})
		if err != nil {
			return fmt.Errorf("failed to grant credits: %w", err)
		}
		fmt.Fprintf(out, "Granted %d credits to %s\n", opts.grant, userID)
	}

	balance, err := store.Credits().Balance(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load balance: %w", err)
	}
	fmt.Fprintf(out, "balance=%d\n", balance)

	txs, err := store.Credits().ListTransactions(ctx, userID, strings.TrimSpace(opts.instance))
	if err != nil {
		return fmt.Errorf("failed to list transactions: %w", err)
	}
	for _, tx := range txs {
		fmt.Fprintf(out, "%s\t%s\t%d\t%s\t%s\n", tx.CreatedAt.Format(time.RFC3339), tx.Type, tx.Amount, tx.WorkflowInstanceID, tx.Description)
	}
	return nil
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
