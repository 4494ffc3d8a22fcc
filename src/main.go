// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/lib/pq"
	"golang.org/x/time/rate"

	"agentworker/src/engine"
	"agentworker/src/events"
	"agentworker/src/logging"
	"agentworker/src/monitor"
	"agentworker/src/queue"
	"agentworker/src/scheduler"
	"agentworker/src/store"
	"agentworker/src/tools"
)

func main() {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using process environment")
	}
	cfg := LoadConfig()

	// Generate Unique ID
	workerID := uuid.New().String()
	fmt.Printf("Starting worker with UUID: %s\n", workerID)

	// Setup Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Setup OpenTelemetry
	otelShutdown, err := logging.SetupOTelSDK(context.Background())
	if err != nil {
		panic(fmt.Sprintf("failed to setup OTel SDK: %v", err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()

	// Setup Worker OpenTelemetry Metrics
	logging.InitializeFloatCounter("worker_tasks_total", "Total number of tasks to the worker", "Task")
	logging.InitializeFloatCounter("worker_tasks_failed", "Number of failed tasks to the worker", "Task")
	logging.InitializeFloatCounter("worker_tasks_succeeded", "Number of succeeded tasks to the worker", "Task")
	logging.InitializeFloatCounter("worker_tasks_error_rate", "Error rate of tasks to the worker", "%")
	logging.InitializeFloatCounter("worker_store_failures", "Number of store write failures to the worker", "Task")
	refusals, _ := logging.InitializeFloatCounter("worker_admission_refusals", "Number of admissions refused by the scheduler", "Refusal")

	// Select Store Backend
	var (
		st store.Store
		db *sql.DB
	)
	switch cfg.StoreBackend {
	case "memory":
		st = store.NewMemory()
		fmt.Println("Using in-memory store (no durability)")
	default:
		db, err = sql.Open("postgres", cfg.ConnString())
		if err != nil {
			panic(err)
		}
		defer db.Close()
		pg := store.NewPostgres(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			panic(fmt.Sprintf("failed to ensure schema: %v", err))
		}
		st = pg
	}

	// Select Queue Backend
	var q queue.Queue
	switch cfg.QueueBackend {
	case "redis":
		rq, err := queue.NewRedis(cfg.RedisAddr)
		if err != nil {
			panic(fmt.Sprintf("failed to connect to redis: %v", err))
		}
		q = rq
		fmt.Printf("Using Redis queue at %s\n", cfg.RedisAddr)
	default:
		q = queue.NewMemory()
	}

	// Resource Monitor
	mon := monitor.New(cfg.CPUThresholdPct, cfg.MemThresholdPct, cfg.MonitorInterval, cfg.SustainedSamples)
	go mon.Run(ctx)

	// Concurrency Manager
	manager := scheduler.NewManager(cfg.MaxConcurrent, mon, cfg.DegradeCooldown)

	// Tool Registry
	registry := tools.NewRegistry()
	registry.Register(&tools.EchoAdapter{})
	registry.Register(&tools.HTTPGetAdapter{})
	if cfg.SandboxEnabled {
		cli, cerr := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if cerr != nil {
			fmt.Printf("Warning: docker unavailable, sandbox_exec disabled: %v\n", cerr)
		} else {
			defer cli.Close()
			sandbox, serr := tools.NewSandboxAdapter(ctx, cli, tools.SandboxConfig{
				Image:       cfg.SandboxImage,
				IdleTimeout: cfg.SandboxIdleTimeout,
			})
			if serr != nil {
				fmt.Printf("Warning: sandbox setup failed, sandbox_exec disabled: %v\n", serr)
			} else {
				if perr := sandbox.PullImage(ctx); perr != nil {
					fmt.Printf("Warning: failed to pull image: %v. Execution might fail if image is not present locally.\n", perr)
				}
				registry.Register(sandbox)
				go sandbox.RunReaper(ctx)
				defer sandbox.Cleanup(context.Background())
			}
		}
	}
	go registry.RunHealthChecks(ctx, 30*time.Second)

	// Event Hub over the durable log
	hub := events.NewHub(st, cfg.EventBufferSize)

	// Execution Engine
	eng := engine.New(st, q, hub, registry, manager, cfg.EngineConfig())

	// Crash Recovery Sweep: requeue interrupted work before taking new tasks
	if err := eng.Recover(ctx); err != nil {
		logging.Log(fmt.Sprintf("Recovery sweep failed: %v", err), slog.LevelError)
	}

	// Setup PostgreSQL Listener for cross-process enqueue notifications
	var notify chan struct{}
	if db != nil {
		reportProblem := func(ev pq.ListenerEventType, err error) {
			if err != nil {
				fmt.Printf("Listener error: %v\n", err)
			}
		}
		listener := pq.NewListener(cfg.ConnString(), 10*time.Second, time.Minute, reportProblem)
		if err := listener.Listen(store.NotifyChannel); err != nil {
			panic(err)
		}
		defer listener.Close()

		notify = make(chan struct{}, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-listener.Notify:
					select {
					case notify <- struct{}{}:
					default:
					}
				}
			}
		}()
	}

	// Stats and API Server
	stats := NewWorkerStats(workerID)
	srv := &APIServer{
		db:       db,
		store:    st,
		queue:    q,
		manager:  manager,
		engine:   eng,
		hub:      hub,
		registry: registry,
		stats:    stats,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst),
	}
	go func() {
		if err := StartAPIServer(ctx, cfg.APIPort, srv); err != nil {
			fmt.Fprintf(os.Stderr, "API server error: %v\n", err)
			stop()
		}
	}()

	// Dispatcher drains the queue into worker slots until shutdown
	dispatcher := &scheduler.Dispatcher{
		Queue:    q,
		Manager:  manager,
		Runner:   eng,
		Interval: cfg.PollingInterval,
		Notify:   notify,
		OnFinish: stats.RecordFinish,
		Refusals: refusals,
	}

	logging.Log("Worker started. Waiting for tasks (wake channel + fallback polling)...", slog.LevelInfo)
	dispatcher.Run(ctx)

	logging.Log("Shutting down worker gracefully...", slog.LevelInfo)
	dispatcher.Wait()
}
