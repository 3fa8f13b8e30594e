package main

import (
	"log"
	"os"
	"time"

	"mindforge/internal/api"
	"mindforge/internal/auth"
	"mindforge/internal/config"
	"mindforge/internal/gateway"
	"mindforge/internal/redis"
	"mindforge/internal/service/account"
	"mindforge/internal/service/history"
	"mindforge/internal/session"
	"mindforge/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := os.Getenv("MINDFORGE_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("MINDFORGE_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create necessary tables: users, profiles, messages, user_tokens
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	// The service stays up without redis; caches just go cold.
	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		log.Printf("redis unavailable, running without caches: %v", err)
		rdb = nil
	} else {
		defer rdb.Close()
	}

	accounts := account.NewService(db)
	store := history.NewService(db)
	authService := auth.NewService(db, rdb, 24*time.Hour)
	gw := gateway.NewClient(cfg.Gateway)
	registry := session.NewRegistry(store, gw, session.NewTranscriptCache(rdb))
	handlers := api.NewHandler(accounts, authService, registry, gw)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
