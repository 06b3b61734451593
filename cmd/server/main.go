package main

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"circles-server/internal/auth"
	"circles-server/internal/config"
	"circles-server/internal/server"
	"circles-server/internal/store"
	"circles-server/internal/store/memory"
	"circles-server/internal/store/postgres"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	gin.SetMode(cfg.GinMode)

	var st store.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatal(err)
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pg := postgres.NewStore(db, rdb)
		if err := pg.Migrate(); err != nil {
			log.Fatal(err)
		}
		st = pg
		log.Printf("using postgres backend")
	} else {
		st = memory.NewWithOptions(memory.Options{StateFile: cfg.StateFile})
		log.Printf("using memory backend")
	}

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "circles-server",
	}

	router := server.NewRouter(server.Deps{Store: st, TokenConfig: tokenCfg})
	log.Printf("listening on %s", fmt.Sprintf(":%d", cfg.Port))
	log.Fatal(server.Run(cfg, router))
}
