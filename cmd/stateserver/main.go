// Command stateserver runs the authoritative Jobmon task/task-instance
// state machine as a standalone HTTP service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"jobmon/internal/config"
	"jobmon/internal/db"
	"jobmon/internal/events"
	"jobmon/internal/heartbeat"
	"jobmon/internal/logging"
	"jobmon/internal/stateserver"
	"jobmon/internal/stateserver/repo"
	"jobmon/internal/version"
)

var rootCmd = &cobra.Command{
	Use:     "jobmon-stateserver",
	Short:   "Jobmon authoritative task/task-instance state server",
	Version: version.GetVersionString(),
	RunE:    run,
}

func init() {
	rootCmd.Flags().String("heartbeat-sweep", "@every 30s", "cron spec for the report_by_date liveness sweep")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Initialize(cfg.Debug)

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	sweepSpec, _ := cmd.Flags().GetString("heartbeat-sweep")
	sweeper, err := heartbeat.New(repo.NewTaskInstanceRepo(database.Conn(), repo.NewTaskRepo(database.Conn())), sweepSpec)
	if err != nil {
		return fmt.Errorf("configure heartbeat sweeper: %w", err)
	}
	sweeper.Start()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	eventsOpts := events.Options{
		Enabled:       cfg.Events.Enabled,
		Embedded:      cfg.Events.Embedded,
		URL:           cfg.Events.URL,
		Stream:        cfg.Events.Stream,
		SubjectPrefix: cfg.Events.SubjectPrefix,
		ConsumerName:  cfg.Events.ConsumerName,
	}
	engine, err := events.NewEngine(eventsOpts)
	if err != nil {
		return fmt.Errorf("start events engine: %w", err)
	}
	defer engine.Close()

	srv := stateserver.New(cfg, database, engine)
	err = srv.Run(ctx)
	sweeper.Stop(context.Background())
	return err
}
