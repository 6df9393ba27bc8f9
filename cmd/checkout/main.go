package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/athena/checkout/internal/client"
	"github.com/athena/checkout/internal/config"
	"github.com/athena/checkout/internal/idempotency"
	"github.com/athena/checkout/internal/metrics"
	"github.com/athena/checkout/internal/notifier"
	"github.com/athena/checkout/internal/repository"
	"github.com/athena/checkout/internal/saga"
	"github.com/athena/checkout/internal/service"
	cerrors "github.com/athena/checkout/pkg/errors"
	"github.com/athena/checkout/pkg/health"
	"github.com/athena/checkout/pkg/logger"
	redispkg "github.com/athena/checkout/pkg/redis"
	"github.com/athena/checkout/pkg/response"
	"github.com/athena/checkout/pkg/snowflake"
	"github.com/athena/checkout/pkg/tracing"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.ServiceName, os.Stdout)
	log.Infof("starting", map[string]interface{}{"service": cfg.ServiceName})

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.TracingEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		log.WithError(err).Error("init tracing failed")
		os.Exit(1)
	}

	if err := snowflake.Init(cfg.WorkerID); err != nil {
		log.WithError(err).Error("init snowflake failed")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.WithError(err).Error("open database failed")
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.WithError(err).Error("ping database failed")
		os.Exit(1)
	}
	log.Info("connected to postgres")

	redisClient, err := redispkg.NewClient(&redispkg.Config{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		PoolSize:     redispkg.DefaultConfig.PoolSize,
		MinIdleConns: redispkg.DefaultConfig.MinIdleConns,
		DialTimeout:  redispkg.DefaultConfig.DialTimeout,
		ReadTimeout:  redispkg.DefaultConfig.ReadTimeout,
		WriteTimeout: redispkg.DefaultConfig.WriteTimeout,
	})
	if err != nil {
		log.WithError(err).Error("connect redis failed")
		os.Exit(1)
	}
	defer redisClient.Close()
	log.Info("connected to redis")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	sessionRepo := repository.NewSessionRepository(db)
	snapshotRepo := repository.NewSnapshotRepository(db)
	deviceRepo := repository.NewDeviceRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	feeRepo := repository.NewFeeRepository(db)
	historyRepo := repository.NewHistoryRepository(db)

	idemStore := idempotency.New(redisClient.Client, "")
	streamClient := redispkg.NewStreamClient(redisClient.Client)

	rendererClient := client.NewRendererClient(cfg.RendererBaseURL)
	directoryClient := client.NewDirectoryClient(cfg.DirectoryBaseURL)

	svc := service.NewCheckoutService(deviceRepo, studentRepo, feeRepo, historyRepo,
		rendererClient, streamClient, log, m, service.Config{
			NotifyStream:          cfg.NotifyStream,
			DefaultInsuranceCents: cfg.DefaultInsuranceCents,
			NextID:                snowflake.NextID,
		})

	registry := svc.Registry()
	rollback := saga.NewRollback(registry, sessionRepo, snapshotRepo, log, m)
	executor := saga.NewExecutor(registry, sessionRepo, snapshotRepo, idemStore, rollback,
		log, m, saga.ExecutorConfig{
			ProcessingLease: cfg.ProcessingLease,
			ResultTTL:       cfg.ResultTTL,
		})
	manager := saga.NewManager(registry, sessionRepo, executor, log, m)

	sweepLock := redispkg.NewLock(redisClient, "checkout:sweeper:lock", cfg.NotifyConsumerName, time.Minute)
	sweeper := service.NewSweeper(sessionRepo, sweepLock, log, m, cfg.SweepSpec)
	if err := sweeper.Start(); err != nil {
		log.WithError(err).Error("start sweeper failed")
		os.Exit(1)
	}
	defer sweeper.Stop()

	dirNotifier := notifier.New(streamClient, directoryClient, log, m,
		cfg.NotifyStream, cfg.NotifyConsumerGroup, cfg.NotifyConsumerName, nil)
	go func() {
		if err := dirNotifier.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("directory notifier stopped")
		}
	}()

	h := health.New()
	h.Register(health.NewPostgresChecker(db))
	h.Register(health.NewRedisChecker(redisPinger{client: redisClient}))
	h.Register(health.NewHTTPChecker("renderer", cfg.RendererBaseURL+"/health"))
	h.SetReady(true)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.HealthHandler())
	mux.HandleFunc("GET /ready", h.ReadyHandler())
	mux.HandleFunc("GET /live", h.LiveHandler())
	mux.Handle("GET /metrics", m.Handler())

	mux.HandleFunc("POST /v1/checkout/start", func(w http.ResponseWriter, r *http.Request) {
		var payload json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			response.WriteErrorCode(w, r, cerrors.CodeInvalidRequest, "invalid JSON body")
			return
		}
		var req service.CheckoutPayload
		if err := json.Unmarshal(payload, &req); err != nil {
			response.WriteErrorCode(w, r, cerrors.CodeInvalidRequest, "invalid checkout payload")
			return
		}

		sess, created, err := manager.Start(r.Context(), saga.StartInput{
			AssetTag:      req.AssetTag,
			StudentNumber: req.StudentNumber,
			ActorRef:      req.ActorRef,
			Payload:       payload,
		})
		if err != nil {
			writeErr(w, r, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		response.WriteJSON(w, status, map[string]interface{}{
			"sessionId": sess.ID,
			"status":    sess.Status,
		})
	})

	mux.HandleFunc("GET /v1/checkout/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		view, err := manager.GetStatus(r.Context(), r.PathValue("id"))
		if err != nil {
			writeErr(w, r, err)
			return
		}
		response.WriteJSON(w, http.StatusOK, view)
	})

	mux.HandleFunc("POST /v1/checkout/{id}/next-step", func(w http.ResponseWriter, r *http.Request) {
		out, err := manager.Advance(r.Context(), r.PathValue("id"))
		if err != nil {
			writeErr(w, r, err)
			return
		}
		response.WriteJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("POST /v1/checkout/{id}/retry/{step}", func(w http.ResponseWriter, r *http.Request) {
		out, err := manager.Retry(r.Context(), r.PathValue("id"), r.PathValue("step"))
		if err != nil {
			writeErr(w, r, err)
			return
		}
		response.WriteJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("POST /v1/checkout/{id}/process-all", func(w http.ResponseWriter, r *http.Request) {
		view, err := manager.RunToCompletion(r.Context(), r.PathValue("id"))
		if err != nil {
			writeErr(w, r, err)
			return
		}
		response.WriteJSON(w, http.StatusOK, view)
	})

	mux.HandleFunc("POST /v1/checkout/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		if err := manager.Cancel(r.Context(), r.PathValue("id")); err != nil {
			writeErr(w, r, err)
			return
		}
		response.WriteJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	})

	mux.HandleFunc("POST /v1/checkin", func(w http.ResponseWriter, r *http.Request) {
		var in service.CheckinInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			response.WriteErrorCode(w, r, cerrors.CodeInvalidRequest, "invalid JSON body")
			return
		}
		result, err := svc.Checkin(r.Context(), &in)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		response.WriteJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("GET /v1/devices/{tag}", func(w http.ResponseWriter, r *http.Request) {
		device, err := svc.GetDevice(r.Context(), r.PathValue("tag"))
		if err != nil {
			writeErr(w, r, err)
			return
		}
		response.WriteJSON(w, http.StatusOK, device)
	})

	mux.HandleFunc("GET /v1/devices/{tag}/history", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		events, err := svc.ListHistory(r.Context(), r.PathValue("tag"), limit)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		response.WriteJSON(w, http.StatusOK, events)
	})

	mux.HandleFunc("GET /v1/students/{number}", func(w http.ResponseWriter, r *http.Request) {
		student, err := svc.GetStudent(r.Context(), r.PathValue("number"))
		if err != nil {
			writeErr(w, r, err)
			return
		}
		response.WriteJSON(w, http.StatusOK, student)
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: tracing.HTTPMiddleware(mux),
	}

	go func() {
		log.Infof("http server listening", map[string]interface{}{"port": cfg.HTTPPort})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server error")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	h.SetReady(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.WithError(err).Warn("tracing shutdown")
	}
	log.Info("shutdown complete")
}

// redisPinger 适配健康检查的 Ping 接口
type redisPinger struct {
	client *redispkg.Client
}

func (p redisPinger) Ping(ctx context.Context) health.RedisPingCmd {
	return p.client.Client.Ping(ctx)
}

// writeErr 统一错误映射：业务错误带码返回，存储哨兵错误转业务码
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var be *cerrors.Error
	if errors.As(err, &be) {
		response.WriteError(w, r, be)
		return
	}

	switch {
	case errors.Is(err, saga.ErrSessionNotFound):
		response.WriteError(w, r, cerrors.ErrSessionNotFound)
	case errors.Is(err, saga.ErrStepNotFound):
		response.WriteError(w, r, cerrors.ErrStepNotFound)
	case errors.Is(err, saga.ErrStepNotRetryable):
		response.WriteError(w, r, cerrors.ErrStateConflict)
	case errors.Is(err, repository.ErrDeviceNotFound):
		response.WriteError(w, r, cerrors.ErrDeviceNotFound)
	case errors.Is(err, repository.ErrStudentNotFound):
		response.WriteError(w, r, cerrors.ErrStudentNotFound)
	default:
		response.WriteErrorCode(w, r, cerrors.CodeInternal, err.Error())
	}
}
