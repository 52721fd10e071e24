package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/scout/internal/database"
	"github.com/CodeMonkeyCybersecurity/scout/internal/scanner"
)

var scanCmd = &cobra.Command{
	Use:   "scan <app-id>",
	Short: "Scan one application now",
	Long: `Scan every verified endpoint of an application with its configured
checks, store the report and notify the admin about new issues.

Examples:
  scout scan 64f1c2d9e4b0a1f2c3d4e5f6
  scout scan show <scan-id>
  scout scan list <app-id> --limit 20`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

var scanShowCmd = &cobra.Command{
	Use:   "show <scan-id>",
	Short: "Print a stored scan report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := database.NewStore(cfg.Database, log)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer store.Close()

		scan, err := store.GetScan(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printScan(scan)
		return nil
	},
}

var scanListCmd = &cobra.Command{
	Use:   "list <app-id>",
	Short: "List recent scans of an application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := database.NewStore(cfg.Database, log)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer store.Close()

		scans, err := store.ListScans(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}
		if len(scans) == 0 {
			color.Yellow("No scans for application %s", args[0])
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SCAN ID\tSTARTED\tSTATUS\tERROR")
		for _, s := range scans {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.ScanDate.Format(time.RFC3339), colorStatus(s.Status), s.ErrorCode)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.AddCommand(scanShowCmd)
	scanCmd.AddCommand(scanListCmd)

	scanListCmd.Flags().Int("limit", 20, "maximum number of scans to list")
}

func runScan(cmd *cobra.Command, args []string) error {
	appID := args[0]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	// Delivery outlives a Ctrl+C so already raised issues still notify.
	if err := rt.startDispatcher(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	color.Cyan("Scanning application %s...\n", appID)
	start := time.Now()

	scanID, scanErr := rt.scanner.ScanApplication(ctx, appID)
	if scanErr != nil && scanID == "" {
		if errors.Is(scanErr, scanner.ErrApplicationNotFound) {
			return fmt.Errorf("application %s not found", appID)
		}
		return scanErr
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rt.dispatcher.Drain(drainCtx); err != nil {
		log.Warnw("Notifications still pending at exit", "error", err)
	}

	scan, err := rt.store.GetScan(context.Background(), scanID)
	if err != nil {
		return err
	}
	fmt.Println()
	printScan(scan)

	issues, err := rt.store.ListScanIssues(context.Background(), scanID)
	if err == nil {
		for _, is := range issues {
			fmt.Printf("  %s %s %s\n", colorSeverity(is.Severity), is.Title, is.EndpointID)
		}
		color.White("\n%d issues raised in %s\n", len(issues), time.Since(start).Round(time.Millisecond))
	}

	if scanErr != nil {
		return fmt.Errorf("scan %s failed", scanID)
	}
	return nil
}
