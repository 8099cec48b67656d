package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/arefin-labs/carebook/libs/config"
	"github.com/arefin-labs/carebook/libs/db"
	"github.com/arefin-labs/carebook/libs/httpx"
	"github.com/arefin-labs/carebook/libs/kafkax"
	otelx "github.com/arefin-labs/carebook/libs/otel"
	"github.com/arefin-labs/carebook/libs/runtime"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/booking"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/confirm"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/handlers"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/outbox"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/provision"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/reconcile"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/storage"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/video"
)

func main() {
	service := config.String("SERVICE_NAME", "scheduling-service")
	port, err := config.Port("PORT", "8081")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	outboxRepo := outbox.NewRepository(pool)
	ledger := storage.NewAppointmentRepository(pool, outboxRepo)
	rules := storage.NewRuleRepository(pool)
	provisionStore := storage.NewProvisionStore(pool, outboxRepo)
	paymentEvents := storage.NewPaymentEventStore(pool)

	policy := booking.Policy{
		CancelWindow:            config.Minutes("CANCEL_WINDOW_MINUTES", 12*time.Hour),
		StaffConfirmImmediately: config.Bool("STAFF_BOOKING_CONFIRMS_IMMEDIATELY", true),
		MinCancelReasonLen:      config.Int("MIN_CANCEL_REASON_LEN", 3),
	}
	bookingSvc := booking.NewService(ledger, rules, policy, logger)
	orchestrator := confirm.NewOrchestrator(ledger, logger)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	var provisioner video.Provisioner
	if url := config.String("VIDEO_WEBHOOK_URL", ""); strings.TrimSpace(url) != "" {
		provisioner = video.NewWebhookProvisioner(url, config.String("VIDEO_WEBHOOK_TOKEN", ""))
	} else {
		logger.Warn("VIDEO_WEBHOOK_URL not set; using noop video provisioner")
		provisioner = video.NewNoopProvisioner()
	}
	provisionWorker := provision.NewWorker(provisionStore, provisioner, logger, provision.WorkerConfig{
		Interval:  time.Duration(config.Int("PROVISION_POLL_SECONDS", 2)) * time.Second,
		BatchSize: config.Int("PROVISION_BATCH_SIZE", 20),
		Backoff:   config.Minutes("PROVISION_BACKOFF_MINUTES", 1*time.Minute),
	})
	go provisionWorker.Run(ctx)

	reconciler := reconcile.NewVideoReconciler(provisionStore, logger, reconcile.VideoReconcilerConfig{
		Grace:     config.Minutes("RECONCILE_GRACE_MINUTES", 10*time.Minute),
		BatchSize: config.Int("RECONCILE_BATCH_SIZE", 50),
	})
	go reconciler.Run(ctx, config.Minutes("RECONCILE_INTERVAL_MINUTES", 5*time.Minute))

	bookingHandler := handlers.NewBookingHandler(bookingSvc, provisionStore, logger)
	webhookHandler := handlers.NewPaymentWebhookHandler(orchestrator, paymentEvents, logger,
		config.String("PAYMENT_WEBHOOK_SECRET", ""),
		config.Minutes("PAYMENT_WEBHOOK_TOLERANCE_MINUTES", 5*time.Minute))

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	mux.HandleFunc("/api/v1/slots", bookingHandler.Slots)
	mux.HandleFunc("/api/v1/appointments", appointmentsMethodSwitch(bookingHandler))
	mux.HandleFunc("/api/v1/appointments/get", bookingHandler.Get)
	mux.HandleFunc("/api/v1/appointments/cancel-request", bookingHandler.RequestCancellation)
	mux.HandleFunc("/api/v1/appointments/cancel-approve", bookingHandler.ApproveCancellation)
	mux.HandleFunc("/api/v1/appointments/cancel-reject", bookingHandler.RejectCancellation)
	mux.HandleFunc("/api/v1/appointments/cancel", bookingHandler.StaffCancel)
	mux.HandleFunc("/api/v1/appointments/complete", bookingHandler.Complete)
	mux.HandleFunc("/api/v1/appointments/no-show", bookingHandler.MarkNoShow)
	mux.HandleFunc("/api/v1/appointments/reschedule", bookingHandler.Reschedule)
	mux.HandleFunc("/api/v1/appointments/video-session", bookingHandler.VideoSession)
	mux.HandleFunc("/webhooks/payment", webhookHandler.Handle)

	middlewares := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1 << 20),
		httpx.WithTimeout(15 * time.Second),
	}
	if origins := config.String("CORS_ALLOWED_ORIGINS", ""); origins != "" {
		middlewares = append(middlewares, httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: strings.Split(origins, ","),
		}))
	}
	middlewares = append(middlewares, rateLimitMiddleware(logger))

	httpHandler := httpx.Chain(mux, middlewares...)
	httpHandler = otelhttp.NewHandler(httpHandler, "scheduling")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

// appointmentsMethodSwitch keeps create and list on the collection path.
func appointmentsMethodSwitch(h *handlers.BookingHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			h.Create(w, r)
		case http.MethodGet:
			h.List(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// rateLimitMiddleware prefers the shared Redis window when REDIS_ADDR is set
// so limits hold across instances; otherwise it falls back to per-process.
func rateLimitMiddleware(logger *slog.Logger) httpx.Middleware {
	limit := config.Int("RATE_LIMIT_REQUESTS", 60)
	window := config.Minutes("RATE_LIMIT_WINDOW_MINUTES", time.Minute)

	if addr := config.String("REDIS_ADDR", ""); strings.TrimSpace(addr) != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		return httpx.NewRedisRateLimiter(rdb, limit, window, "scheduling:rl").
			Middleware(logger, true)
	}
	logger.Warn("REDIS_ADDR not set; using in-process rate limiter")
	return httpx.NewRateLimiter(limit, window).Middleware()
}
