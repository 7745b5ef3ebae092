package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/calder/steward/internal/config"
	"github.com/calder/steward/pkg/store"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show held leases and recent activity",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := store.New(store.Config{DBPath: cfg.DBPath, Logger: zerolog.Nop()})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	held, err := st.ListHeldLeases(ctx)
	if err != nil {
		return fmt.Errorf("failed to list leases: %w", err)
	}

	if len(held) == 0 {
		fmt.Println("No runs in progress.")
		return nil
	}

	now := time.Now()
	fmt.Printf("%d run(s) in progress:\n", len(held))
	for _, a := range held {
		fmt.Printf("  %s  %-14s  %q  held %s by %s\n",
			a.ID, a.Kind, a.Title, a.Lease.Age(now).Round(time.Second), a.Lease.Holder)
	}
	return nil
}
