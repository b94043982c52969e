package worker

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/babyshoot/api/internal/client"
	"github.com/babyshoot/api/internal/config"
	"github.com/babyshoot/api/internal/service"
)

// Runner owns the asynq worker server and the sweep scheduler.
type Runner struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	schedule  string
	logger    zerolog.Logger
}

// NewRunner wires task handlers onto an asynq server. The sweep is only
// scheduled when sweep.enabled is set.
func NewRunner(cfg *config.Config, reconciler service.SessionReconciler, sweeper Sweeper, logger zerolog.Logger) *Runner {
	logger = logger.With().Str("component", "asynq").Logger()
	redisOpt := RedisOpt(&cfg.Redis)

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			service.QueueReconcile: 6,
			service.QueueSweep:     2,
		},
		RetryDelayFunc: retryDelay,
		Logger:         &asynqLogger{logger: logger},
		LogLevel:       asynqLogLevel(cfg.Server.LogLevel),
	})

	mux := asynq.NewServeMux()
	mux.Handle(service.TaskTypeReconcile, NewReconcileWorker(reconciler, logger))
	mux.Handle(service.TaskTypeSweep, NewSweepWorker(sweeper, logger))

	r := &Runner{
		server: srv,
		mux:    mux,
		logger: logger,
	}
	if cfg.Sweep.Enabled && cfg.Sweep.Schedule != "" {
		r.schedule = cfg.Sweep.Schedule
		r.scheduler = asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
			Logger:   &asynqLogger{logger: logger},
			LogLevel: asynqLogLevel(cfg.Server.LogLevel),
			Location: time.UTC,
		})
	}
	return r
}

// Start starts the worker server and, if configured, the scheduler.
func (r *Runner) Start() error {
	if r.scheduler != nil {
		entryID, err := r.scheduler.Register(r.schedule, service.NewSweepTask())
		if err != nil {
			return fmt.Errorf("failed to register sweep schedule %q: %w", r.schedule, err)
		}
		if err := r.scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		r.logger.Info().Str("schedule", r.schedule).Str("entry_id", entryID).Msg("sweep scheduled")
	}
	if err := r.server.Start(r.mux); err != nil {
		return fmt.Errorf("failed to start worker server: %w", err)
	}
	return nil
}

// Shutdown stops the scheduler and drains the worker server.
func (r *Runner) Shutdown() {
	if r.scheduler != nil {
		r.scheduler.Shutdown()
	}
	r.server.Shutdown()
}

// RedisOpt converts the redis config into asynq connection options.
func RedisOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// retryDelay honours the remote Retry-After hint on rate limited lookups.
func retryDelay(n int, err error, t *asynq.Task) time.Duration {
	var jobErr *client.JobError
	if errors.As(err, &jobErr) && jobErr.RetryAfter > 0 {
		return jobErr.RetryAfter
	}
	return asynq.DefaultRetryDelayFunc(n, err, t)
}

func asynqLogLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}

// asynqLogger routes asynq's internal logs through zerolog.
type asynqLogger struct {
	logger zerolog.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l *asynqLogger) Fatal(args ...interface{}) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
