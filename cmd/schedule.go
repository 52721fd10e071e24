package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/scout/pkg/shutdown"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Sweep applications on a schedule",
	Long:  `Scan every application, one after another, at a fixed interval.`,
}

var scheduleRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the periodic sweep until interrupted",
	Long: `Run a sweep immediately and then once per interval. A failing
application is logged and does not stop the others.

Example:
  scout schedule run --interval 1h`,
	RunE: runSchedule,
}

var scheduleOnceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single sweep and print a summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()
		if err := rt.startDispatcher(ctx); err != nil {
			return err
		}

		report, err := rt.scanner.Sweep(ctx)
		if err != nil {
			return err
		}

		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := rt.dispatcher.Drain(drainCtx); err != nil {
			log.Warnw("Notifications still pending at exit", "error", err)
		}

		for _, r := range report.Results {
			if r.Err != nil {
				fmt.Printf("  %s %s %v\n", color.RedString("✗"), r.ApplicationID, r.Err)
				continue
			}
			fmt.Printf("  %s %s scan %s\n", color.GreenString("✓"), r.ApplicationID, r.ScanID)
		}
		failed := len(report.Failed())
		fmt.Printf("\n%d applications swept in %s, %d failed\n", len(report.Results), report.Duration.Round(time.Millisecond), failed)
		if failed > 0 {
			return fmt.Errorf("%d applications failed", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleRunCmd)
	scheduleCmd.AddCommand(scheduleOnceCmd)

	scheduleRunCmd.Flags().Duration("interval", 30*time.Minute, "time between sweeps")
	viper.BindPFlag("schedule.interval", scheduleRunCmd.Flags().Lookup("interval"))
}

func runSchedule(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	if err := rt.startDispatcher(ctx); err != nil {
		rt.close()
		return err
	}

	handler := shutdown.NewHandler(log)
	handler.Register(func(context.Context) error {
		rt.close()
		return nil
	})

	var runErr error
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		runErr = rt.scanner.RunPeriodically(ctx, cfg.Schedule.Interval)
	}()

	log.Infow("Scheduler started", "interval", cfg.Schedule.Interval.String())

	// The sweep stops and its in-flight scan finalizes before the store closes.
	handler.Register(func(sctx context.Context) error {
		cancel()
		select {
		case <-stopped:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	})

	waitCtx, stopWait := context.WithCancel(context.Background())
	defer stopWait()
	go func() {
		<-stopped
		stopWait()
	}()

	if err := handler.Wait(waitCtx, 45*time.Second); err != nil {
		return err
	}
	<-stopped
	return runErr
}
