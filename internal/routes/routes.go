package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/swiftpay/internal/auth"
	"github.com/congo-pay/swiftpay/internal/config"
	"github.com/congo-pay/swiftpay/internal/ledger"
	"github.com/congo-pay/swiftpay/internal/liveness"
	"github.com/congo-pay/swiftpay/internal/middleware"
	"github.com/congo-pay/swiftpay/internal/notification"
	"github.com/congo-pay/swiftpay/internal/transactions"
	"github.com/congo-pay/swiftpay/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes. Ledger and
// Verifier are chosen from DB and config when nil.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Logger   *slog.Logger
	Ledger   ledger.Ledger
	Verifier liveness.Verifier
	Notifier notification.Notifier
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	gate, err := auth.NewGate(d.Cfg.JWTSecret, d.Cfg.JWTIssuer, d.Cfg.AccessTokenTTL)
	if err != nil {
		return err
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	if d.Cfg.IsDev() {
		// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
		app.Use(logger.New(logger.Config{
			Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
			TimeFormat: "15:04:05",
			TimeZone:   "Local",
		}))
	}
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	led := d.Ledger
	if led == nil {
		if d.DB != nil {
			led = ledger.NewPostgres(d.DB)
		} else {
			led = ledger.NewInMemory()
		}
	}
	notifier := d.Notifier
	if notifier == nil {
		notifier = notification.NewLoggerNotifier(d.Logger)
	}
	verifier := d.Verifier
	if verifier == nil {
		if d.Cfg.FaceIDURL != "" {
			verifier = liveness.NewFaceService(d.Cfg.FaceIDURL)
		} else {
			d.Logger.Warn("FACEID_URL not set, accepting every face verification")
			verifier = liveness.StaticVerifier{Accept: true}
		}
	}

	walletSvc := wallet.NewService(led, notifier, d.Logger)
	walletHandler := wallet.NewHandler(walletSvc)
	txHandler := transactions.NewHandler(transactions.NewService(led, walletSvc, d.Logger, transactions.WithCrossLedger(d.Cfg.CrossLedger)))
	livenessHandler := liveness.NewHandler(verifier, d.Logger)

	api := app.Group("/api", middleware.BearerAuth(gate))
	if d.Cache != nil {
		api.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"user_id":    middleware.UserID(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	limit := func(scope string) fiber.Handler {
		return middleware.RateLimit(d.Cache, scope, d.Cfg.RateLimit, d.Logger)
	}
	RegisterWalletRoutes(api, walletHandler, limit("deposit"))
	RegisterTransactionRoutes(api, txHandler, limit("transactions"))
	RegisterLivenessRoutes(api, livenessHandler)

	return nil
}
