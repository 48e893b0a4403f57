package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"chainpad/backend/config"
	"chainpad/backend/internal/auth"
	"chainpad/backend/internal/cache"
	"chainpad/backend/internal/collab"
	"chainpad/backend/internal/httpapi"
	"chainpad/backend/internal/store"
	"chainpad/backend/internal/ws"
)

// 构建时通过 -ldflags "-X main.buildVersion=..." 注入
var (
	buildVersion = "dev"
	buildCommit  = "local"
)

func main() {
	configName := flag.String("config", "relayConfig", "config file name without extension")
	// glog 的 -v、-logtostderr 等参数也在这里解析
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load(*configName)
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: running=%+v pad=%+v kafka=%v redis=%v", cfg.Running, cfg.Pad, cfg.Kafka.Brokers, cfg.Redis.Addrs)

	var (
		history  cache.HistoryCache
		presence cache.PresenceCache
	)
	if len(cfg.Redis.Addrs) > 0 {
		// 一个地址是单机，多个地址是集群
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Fatalf("ping redis failed: %v", err)
		}
		defer rdb.Close()
		history = cache.NewRedisHistory(rdb)
		presence = cache.NewRedisPresence(rdb)
	} else {
		log.Printf("redis not configured, history and presence stay in memory")
		history = cache.NewMemoryHistory()
		presence = cache.NewMemoryPresence()
	}

	var checkpoints collab.CheckpointSaver
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("open mysql failed: %v", err)
		}
		checkpoints = store.NewCheckpointStore(db)
	}

	var producer sarama.SyncProducer
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err = sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("connect kafka failed: %v", err)
		}
		defer producer.Close()
	}
	dispatcher := collab.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		collab.NewSemaphoreControl(cfg.Semaphore.Kafka),
		cfg.Kafka.Dispatcher,
	)

	var issuer *auth.Issuer
	if cfg.Auth.Secret != "" {
		if issuer, err = auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL); err != nil {
			log.Fatalf("init auth failed: %v", err)
		}
	}

	registry := collab.NewRegistry(cfg.Pad, history, dispatcher, checkpoints, collab.NewSemaphoreControl(cfg.Semaphore.Checkpoint))
	hub := ws.NewHub(presence)
	manager := ws.NewManager(hub, registry, collab.NewSemaphoreControl(cfg.Semaphore.Submit), cfg.WS)

	router := httpapi.NewRouter(httpapi.RouterOptions{
		Registry: registry,
		Presence: presence,
		Manager:  manager,
		Issuer:   issuer,
		CORS:     cfg.Running.CORS,
		Version:  buildVersion,
		Commit:   buildCommit,
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Running.Port), Handler: router}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen failed: %v", err)
		}
	}()
	log.Printf("relay %s (%s) listening on %s", buildVersion, buildCommit, srv.Addr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	// 先停归档节点，再把剩下的事件发完
	registry.Close()
	dispatcher.Close()
}
