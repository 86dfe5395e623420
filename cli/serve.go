package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orbital-hq/orbital/api"
	"github.com/orbital-hq/orbital/common"
	"github.com/orbital-hq/orbital/db"
	"github.com/orbital-hq/orbital/internaljob"
	"github.com/orbital-hq/orbital/manager"
	"github.com/orbital-hq/orbital/record"
	"github.com/orbital-hq/orbital/service"
	"github.com/orbital-hq/orbital/task"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Orbital server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		database, err := db.New(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Bootstrap(ctx); err != nil {
			return err
		}

		sidelog, err := db.NewSideLog(cfg.Database.URI)
		if err != nil {
			return err
		}

		records := record.NewStore(database)
		managers := manager.NewStore(database, cfg.Manager)
		dispatcher := task.NewDispatcher(database)
		jobs := internaljob.NewStore(database)
		engine := service.NewEngine(database, records, cfg.Service)

		runner := internaljob.NewRunner(jobs, cfg.Jobs)
		managers.RegisterJobs(runner, jobs)
		engine.RegisterJobs(runner, jobs)

		if err := managers.ScheduleHeartbeatSweep(ctx, jobs); err != nil {
			return err
		}
		if err := engine.ScheduleSweep(ctx, jobs); err != nil {
			return err
		}

		runner.Start(ctx)
		defer runner.Stop()

		server := api.NewServer(*cfg, database, records, managers, dispatcher, sidelog)

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()

		select {
		case <-ctx.Done():
			common.Logger.Info("shutting down")
		case err := <-errCh:
			if err != nil {
				return err
			}
		}

		return server.Shutdown(context.Background())
	},
}
