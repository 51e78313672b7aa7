package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kopy_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kopy_paste_retrieved_total",
			Help: "no. of successful lookups by access state",
		},
		[]string{"state"},
	)
	PasteNotFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kopy_paste_not_found_total",
		Help: "no. of lookups for unknown or expired pastes",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kopy_cache_hits_total",
		Help: "no. of cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kopy_cache_misses_total",
		Help: "no. of cache misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kopy_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kopy_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	PurgeCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kopy_purge_cycles_total",
		Help: "no. of cleanup worker cycles",
	})
	PurgedPastes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kopy_purged_pastes_total",
		Help: "no. of expired pastes deleted by the cleanup worker",
	})
	EncryptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kopy_encryption_operations_total",
			Help: "no. of encryption operations",
		},
		[]string{"operation"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kopy_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)
