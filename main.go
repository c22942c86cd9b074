package main

import (
	"context"
	"log"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	apirest "github.com/openplace/server/api/rest"
	"github.com/openplace/server/audit"
	"github.com/openplace/server/cache"
	"github.com/openplace/server/config"
	dbadapter "github.com/openplace/server/db"
	"github.com/openplace/server/faction"
	mw "github.com/openplace/server/middleware"
	"github.com/openplace/server/model"
	"github.com/openplace/server/rank"
	"github.com/openplace/server/scheduler"
	"github.com/openplace/server/storage"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Logger ----
	var logger *zap.Logger
	var logErr error
	if cfg.Server.Debug {
		logger, logErr = zap.NewDevelopment()
	} else {
		logger, logErr = zap.NewProduction()
	}
	if logErr != nil {
		log.Fatalf("logger: %v", logErr)
	}
	defer logger.Sync()

	// Warn loudly if admin endpoints will be disabled.
	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	logger.Info("DB initialized")

	// ---- Audit ----
	auditSvc := audit.New(db, logger)
	defer auditSvc.Stop(context.Background())

	// ---- Cache / PubSub ----
	cacheConfig := cache.CacheConfig{
		RedisAddr:       cfg.Cache.RedisAddr,
		RedisPassword:   cfg.Cache.RedisPassword,
		RedisDB:         cfg.Cache.RedisDB,
		LocalGCInterval: cfg.Cache.LocalGCInterval,
		LocalPubSubBuf:  cfg.Cache.LocalPubSubBuf,
	}
	c, err := cache.NewCache(cacheConfig)
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	pubsub, err := cache.NewPubSub(cacheConfig)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	logger.Info("Cache initialized")

	// ---- Faction services ----
	ranks := rank.New(c, cfg.Faction.LeaveCooldown, logger)
	readCache, err := faction.NewReadCache(pubsub, logger)
	if err != nil {
		log.Fatalf("read cache: %v", err)
	}
	defer readCache.Close()

	avatars, err := storage.NewAvatars(cfg.Faction.AvatarDir)
	if err != nil {
		log.Fatalf("avatar storage: %v", err)
	}

	factionSvc := faction.NewService(
		faction.NewDirectory(db),
		ranks,
		readCache,
		db,
		avatars,
		faction.Config{
			CacheTTL:     cfg.Faction.CacheTTL,
			MineCacheTTL: cfg.Faction.MineCacheTTL,
			PageSizeMin:  cfg.Faction.PageSizeMin,
			PageSizeMax:  cfg.Faction.PageSizeMax,
		},
		logger,
	)

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	defer sched.Stop()

	// Daily ranking rollover at midnight UTC.
	sched.AddDailyUTC("ranking_daily_reset", 0, func() {
		if err := ranks.ResetDaily(context.Background()); err != nil {
			logger.Error("daily ranking reset failed", zap.Error(err))
		}
	})

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))

	// Health check
	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	// ---- REST API routes ----
	authH := apirest.NewAuthHandler(db, c, cfg.Security)
	facH := apirest.NewFactionHandler(factionSvc, auditSvc)
	adminH := apirest.NewAdminHandler(factionSvc, auditSvc)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/login", authH.Login)
		authG.POST("/logout", mw.Auth(cfg.Security, c), authH.Logout)
		authG.POST("/refresh", mw.Auth(cfg.Security, c), authH.Refresh)

		// Public reads.
		api.GET("/factions", facH.Leaderboard)
		api.GET("/factions/tag/:tag", facH.ByTag)
		api.GET("/factions/tags", facH.Tags)
		api.GET("/factions/:id", facH.Profile)

		authed := api.Group("", mw.Auth(cfg.Security, c))
		authed.POST("/factions", facH.Create)
		authed.POST("/factions/invite", facH.AcceptInvite)
		authed.POST("/factions/leave", facH.Leave)
		authed.POST("/factions/:id/join", facH.Join)
		authed.GET("/factions/mine", facH.Mine)
		authed.PUT("/factions/mine", facH.Update)
		authed.DELETE("/factions/mine", facH.Delete)
		authed.GET("/factions/mine/invite", facH.Invite)
		authed.PUT("/factions/mine/avatar", facH.SetAvatar)
		authed.POST("/factions/mine/transfer", facH.Transfer)
		authed.POST("/factions/mine/requests/:uid/approve", facH.Approve)
		authed.POST("/factions/mine/requests/:uid/deny", facH.Deny)
		authed.DELETE("/factions/mine/members/:uid", facH.Kick)
		authed.POST("/factions/mine/bans/:uid", facH.Ban)
		authed.DELETE("/factions/mine/bans/:uid", facH.Unban)
		authed.POST("/factions/mine/excludes", facH.Exclude)
		authed.DELETE("/factions/mine/excludes/:country", facH.Include)

		adminG := api.Group("/admin")
		adminG.Use(mw.AdminKey(cfg.Server.AdminKey))
		adminG.GET("/factions", adminH.ListFactions)
		adminG.DELETE("/factions/:id", adminH.DeleteFaction)
	}

	addr := ":" + strconv.Itoa(cfg.Server.Port)
	logger.Info("server listening", zap.String("addr", addr))
	if err := r.Run(addr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
