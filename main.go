// Phish Guardian
// Copyright (C) 2025 Simon Bressier
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := getEnv("CONFIG_FILE", DefaultConfigFile)
	if err := loadConfigFile(configPath); err != nil {
		log.Printf("[PhishGuardian] Failed to load config file %s: %v", configPath, err)
	}
	setupLogging()
	loadTuning()

	rdb = connectRedis()
	if rdb != nil {
		nodeID = initNode()
	} else {
		nodeID = uuid.New().String()
	}

	// Models are resolved exactly once, before any request is served
	models = LoadModels(ctx, newArtifactStore(), parseNoContextPolicy(getEnv("HEURISTIC_NO_CONTEXT", "safe")))
	log.Printf("[PhishGuardian] Engine %s started. Node: %s | Models: %s", EngineVersion, nodeID, models.Variant)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go statsWorker(runCtx, getEnvDuration("STATS_INTERVAL", DefaultStatsInterval))

	// Endpoints
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", indexHandler)
	mux.HandleFunc("/predict", predictHandler)
	mux.HandleFunc("/analyze", analyzeHandler)
	mux.HandleFunc("/report", logRequestHandler(reportHandler))
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/status", logRequestHandler(statusHandler))

	port := getEnv("PORT", "5000")
	bindAddr := getEnv("GUARDIAN_BIND_ADDR", "0.0.0.0")
	srv := &http.Server{
		Addr:              bindAddr + ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[PhishGuardian] HTTP API ready on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[PhishGuardian] HTTP server error: %v", err)
		}
	}()

	<-runCtx.Done()
	log.Print("[PhishGuardian] Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("[PhishGuardian] Error shutting down HTTP server: %v", err)
	}
	if rdb != nil {
		rdb.Close()
	}
}

func setupLogging() {
	if getEnv("LOG_FORMAT", "text") == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	level, err := log.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

func loadTuning() {
	phishingWeight = getEnvInt("PHISHING_WEIGHT", 1)
	safeWeight = getEnvInt("SAFE_WEIGHT", 2)
	localMatchDistance = int(getEnvInt("LOCAL_MATCH_DISTANCE", DefaultMatchDistance))
	retentionDays := getEnvInt("LOCAL_RETENTION_DAYS", DefaultLocalRetention)
	if retentionDays < 1 {
		log.Warnf("[PhishGuardian] Invalid LOCAL_RETENTION_DAYS %d, using %d", retentionDays, DefaultLocalRetention)
		retentionDays = DefaultLocalRetention
	}
	localRetentionDuration = time.Duration(retentionDays) * 24 * time.Hour
	verdictCacheTTL = getEnvDuration("VERDICT_CACHE_TTL", DefaultVerdictCacheTTL)
}

// connectRedis returns nil when Redis is disabled or unreachable; the
// classifier works without it, only caching and local learning are lost.
func connectRedis() *redis.Client {
	if !getEnvBool("REDIS_ENABLED", true) {
		log.Print("[PhishGuardian] Redis disabled")
		return nil
	}

	redisAddr := fmt.Sprintf("%s:%s", getEnv("REDIS_HOST", "localhost"), getEnv("REDIS_PORT", "6379"))
	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       int(getEnvInt("REDIS_DB", 0)),
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warnf("[PhishGuardian] Redis unavailable at %s: %v (cache and local learning disabled)", redisAddr, err)
		client.Close()
		return nil
	}
	return client
}

func initNode() string {
	id, _ := rdb.Get(ctx, MetaNodeID).Result()
	if id == "" {
		id = uuid.New().String()
		rdb.Set(ctx, MetaNodeID, id, 0)
	}
	return id
}
