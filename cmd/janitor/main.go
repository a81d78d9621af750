// The janitor runs scheduled maintenance: old terminal sessions are pruned
// on a retention window, and a random sample of stored records is
// re-validated to catch silent data corruption.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/surendranb/runsight-web-sub001/internal/config"
	"github.com/surendranb/runsight-web-sub001/internal/state"
	"github.com/surendranb/runsight-web-sub001/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logger := log.New(log.Writer(), "[janitor] ", log.LstdFlags)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	sessions := postgres.NewSessionStore(pool)
	records := postgres.NewRecordStore(pool)
	manager := state.NewManager(sessions)

	cleanup := func() {
		runCtx, runCancel := context.WithTimeout(ctx, 10*time.Minute)
		defer runCancel()

		users, err := records.UserIDs(runCtx)
		if err != nil {
			logger.Printf("cleanup: listing users failed: %v", err)
			return
		}
		var total int64
		for _, user := range users {
			deleted, err := manager.CleanupOld(runCtx, user, cfg.RetentionDays)
			if err != nil {
				logger.Printf("cleanup: user %s: %v", user, err)
				continue
			}
			total += deleted
		}
		logger.Printf("cleanup: removed %d sessions older than %d days across %d users",
			total, cfg.RetentionDays, len(users))
	}

	audit := func() {
		runCtx, runCancel := context.WithTimeout(ctx, 10*time.Minute)
		defer runCancel()

		users, err := records.UserIDs(runCtx)
		if err != nil {
			logger.Printf("audit: listing users failed: %v", err)
			return
		}
		for _, user := range users {
			report, err := records.ValidateIntegrity(runCtx, user, cfg.IntegritySampleSize)
			if err != nil {
				logger.Printf("audit: user %s: %v", user, err)
				continue
			}
			if len(report.Violations) == 0 {
				logger.Printf("audit: user %s: %d records checked, clean", user, report.Checked)
				continue
			}
			for _, violation := range report.Violations {
				logger.Printf("audit: user %s: %s", user, violation)
			}
		}
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.CleanupSchedule, cleanup); err != nil {
		logger.Fatalf("invalid cleanup schedule %q: %v", cfg.CleanupSchedule, err)
	}
	if _, err := scheduler.AddFunc(cfg.IntegritySchedule, audit); err != nil {
		logger.Fatalf("invalid integrity schedule %q: %v", cfg.IntegritySchedule, err)
	}

	scheduler.Start()
	logger.Printf("scheduled cleanup %q and integrity audit %q", cfg.CleanupSchedule, cfg.IntegritySchedule)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	<-shutdownCh

	cancel()
	<-scheduler.Stop().Done()
}
