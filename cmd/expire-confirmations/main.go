package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/books_reconcile/config"
	"github.com/mmdatafocus/books_reconcile/models"
	"github.com/mmdatafocus/books_reconcile/mutationgate"
)

// Moves pending confirmations past their expiry to expired so their descriptors can be proposed
// again without waiting for a read. Safe to run from cron next to the service.
func main() {
	limit := flag.Int("limit", 500, "Maximum records to expire in one run")
	dryRun := flag.Bool("dry-run", true, "List stale records only (no writes)")
	confirm := flag.String("confirm", "", "Type EXPIRE to proceed when dry-run=false")
	flag.Parse()

	if !*dryRun && strings.TrimSpace(*confirm) != "EXPIRE" {
		fmt.Fprintln(os.Stderr, "set --confirm=EXPIRE to proceed")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := config.ConnectDatabaseWithRetry(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "database not initialized: %v\n", err)
		os.Exit(1)
	}
	repo := models.NewConfirmationRepository(config.GetDB())

	if *dryRun {
		stale, err := repo.ListStalePending(ctx, time.Now().UTC(), *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list failed: %v\n", err)
			os.Exit(1)
		}
		for _, c := range stale {
			fmt.Printf("%s user=%d kind=%s expires_at=%s\n", c.ID, c.UserId, c.Operation.Kind, c.ExpiresAt.Format(time.RFC3339))
		}
		fmt.Printf("%d stale pending confirmation(s)\n", len(stale))
		return
	}

	// Sweep never calls the platform, so no mutator is needed.
	gate := mutationgate.New(repo, nil, mutationgate.Options{})
	n, err := gate.Sweep(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep stopped after %d record(s): %v\n", n, err)
		os.Exit(1)
	}
	fmt.Printf("expired %d confirmation(s)\n", n)
}
