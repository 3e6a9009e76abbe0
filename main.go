package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"libris-backend/internal/billing"
	"libris-backend/internal/borrowing"
	"libris-backend/internal/catalog"
	"libris-backend/internal/overdue"
	"libris-backend/internal/platform/auth"
	"libris-backend/internal/platform/db"
	"libris-backend/internal/platform/notify"
)

func main() {
	// 設定読み込み
	cfg, err := db.LoadConfig("config/config.yaml")
	if err != nil {
		panic(err)
	}

	// 動作モード取得
	mode := cfg.Mode
	log.Printf("[INFO] mode:%s\n", mode)

	if cfg.Mode != "dev" && cfg.Mode != "release" {
		fmt.Println("Usage: go run main.go [dev|release]")
		return
	}

	conn, err := db.Connect(cfg.DB)
	if err != nil {
		panic(err)
	}
	defer conn.Close()

	log.Printf("[INFO] connected to DB: %s", cfg.DB.DBName)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	_ = r.SetTrustedProxies(nil)

	if mode == "dev" {
		// CORS（開発中のみ必要）
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:3000"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowCredentials: true,
		}))
	}

	// ヘルス
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	// 通知先。Telegram未設定ならログに流すだけのフォールバック
	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			log.Printf("[WARN] telegram notifier unavailable, falling back to log: %v", err)
		} else {
			notifier = tg
		}
	}

	lateMult, err := decimal.NewFromString(cfg.Billing.LateFeeMultiplier)
	if err != nil || !lateMult.IsPositive() {
		lateMult = decimal.NewFromInt(2)
	}

	catalogSvc := catalog.NewService(conn)
	billingSvc := billing.NewService(conn, billing.NewStripePort(cfg.Stripe.SecretKey), billing.Config{
		Currency: cfg.Stripe.Currency,
		BaseURL:  cfg.Server.BaseURL,
		Policy:   billing.FeePolicy{LateMultiplier: lateMult},
	})
	borrowSvc := borrowing.NewService(conn, billingSvc, notifier, cfg.Stripe.Currency)
	sweepSvc := overdue.NewService(borrowSvc, notifier)
	authSvc := auth.NewService(conn, []byte(cfg.Auth.JWTSecret))

	// /api/v1
	// 認証不要: ログイン・登録・決済プロバイダからのリダイレクト
	api := r.Group("/api/v1")
	auth.RegisterRoutes(api, authSvc)
	borrowing.RegisterCallbackRoutes(api, borrowSvc)
	billing.RegisterCallbackRoutes(api, billingSvc)

	// 要ログイン
	authed := r.Group("/api/v1", auth.RequireAuth(authSvc.Secret()))
	catalog.RegisterRoutes(authed, catalogSvc)
	borrowing.RegisterRoutes(authed, borrowSvc)
	billing.RegisterRoutes(authed, billingSvc)

	// 管理者のみ
	admin := r.Group("/api/v1", auth.RequireAuth(authSvc.Secret()), auth.RequireRole(auth.RoleAdmin))
	catalog.RegisterAdminRoutes(admin, catalogSvc)
	overdue.RegisterAdminRoutes(admin, sweepSvc)
	auth.RegisterAdminRoutes(admin, authSvc)

	// 延滞スイープの定期実行
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sweepSvc.RunDaily(sweepCtx, time.Duration(cfg.Sweeper.IntervalHours)*time.Hour)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	go func() {
		log.Printf("[INFO] listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit
	log.Println("[INFO] shutting down...")
	stopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal(err)
	}
}
