package main

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
)

// --- Phish Guardian engine configuration ---
const (
	EngineVersion          = "1.2.0"
	LocalFragPrefix        = "pg_lf:"
	LocalScorePrefix       = "pg_ls:"
	VerdictCachePrefix     = "pg_vc:"
	ReportGuardPrefix      = "pg_rpt:"
	StatsPrefix            = "pg_stats:"
	MetaNodeID             = "pg_meta:id"
	DefaultArtifactPrefix  = "pg_art:"
	DefaultConfigFile      = "/etc/phishguard/phishguard.conf"
	MaxProcessSize         = 15 * 1024 * 1024 // 15 MB max
	MaxTextSize            = 1024 * 1024
	DefaultLocalRetention  = 15 // Days to keep local learning data
	DefaultMatchDistance   = 70
	MinSharedBands         = 4
	DefaultVerdictCacheTTL = time.Hour
	DefaultStatsInterval   = 10 * time.Minute
)

var (
	ctx       = context.Background()
	rdb       *redis.Client
	nodeID    string
	models    *ModelSet
	startedAt = time.Now()

	predictCount       int64
	phishingCount      int64
	localMatchCount    int64
	cacheHitCount      int64
	reportCount        int64
	predictFailedCount int64

	phishingWeight         int64 = 1
	safeWeight             int64 = 2
	localMatchDistance           = DefaultMatchDistance
	localRetentionDuration       = DefaultLocalRetention * 24 * time.Hour
	verdictCacheTTL              = DefaultVerdictCacheTTL

	// Config
	configMap   map[string]string = make(map[string]string)
	configMutex sync.RWMutex

	// Prometheus metrics
	promPredictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "phishguard_predictions_total",
		Help: "Total number of texts classified",
	}, []string{"verdict", "source"})
	promPredictFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "phishguard_prediction_failures_total",
		Help: "Total number of classifications that failed",
	})
	promArtifactFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "phishguard_artifact_fallback_total",
		Help: "Number of times mock models replaced the stored artifacts",
	})
	promModelVariant = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "phishguard_model_variant",
		Help: "Active model variant (1 = active)",
	}, []string{"variant"})
	promCacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "phishguard_cache_hits_total",
		Help: "Verdict cache lookups by result",
	}, []string{"result"})
	promLocalMatch = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "phishguard_local_match_total",
		Help: "Total number of texts matched against reported phishing",
	})
	promReports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "phishguard_reports_total",
		Help: "Total number of user reports",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		promPredictions,
		promPredictFailures,
		promArtifactFallbacks,
		promModelVariant,
		promCacheHits,
		promLocalMatch,
		promReports,
	)
}
