package config

import (
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type GeoCfg struct {
	Source    string // none|static|ip
	StaticLat float64
	StaticLon float64
	StaticAcc float64
	IPURL     string
	Timeout   time.Duration
}

type BreakerCfg struct {
	Enabled  bool
	Failures uint32
	Timeout  time.Duration
}

type KafkaCfg struct {
	Brokers             []string
	VoteEventsEnabled   bool
	VoteEventsTopic     string
	InvalidationEnabled bool
	InvalidationTopic   string
	InvalidationGroupID string
}

type MetricsCfg struct {
	Enabled bool
	Addr    string
	Path    string
}

type Config struct {
	Addr                 string
	LogLevel             string
	LogConsole           bool
	LogSampleN           int
	APIBaseURL           string
	APITimeout           time.Duration
	AllowedOrigins       []string
	CookieSecure         bool
	RedisAddr            string
	RedisPoolSize        int
	CacheOpTimeout       time.Duration
	SnapshotTTL          time.Duration
	DefaultMaxDistanceKm float64
	ClusterRes           int
	SessionCapacity      int
	Geo                  GeoCfg
	Breaker              BreakerCfg
	Kafka                KafkaCfg
	Metrics              MetricsCfg
}

// LoadDotEnv reads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		_ = godotenv.Load(p)
	}
}

func FromEnv() Config {
	clusterRes := getint("CLUSTER_H3_RES", 7)
	if clusterRes < 0 {
		clusterRes = 0
	}
	if clusterRes > 15 {
		clusterRes = 15
	}

	maxKm := getfloat("DEFAULT_MAX_DISTANCE_KM", 50)
	if maxKm < 0 || math.IsNaN(maxKm) || math.IsInf(maxKm, 0) {
		maxKm = 50
	}

	failures := getint("BREAKER_FAILURES", 5)
	if failures < 1 {
		failures = 1
	}

	return Config{
		Addr:                 getenv("ADDR", ":8080"),
		LogLevel:             getenv("LOG_LEVEL", "info"),
		LogConsole:           getbool("LOG_CONSOLE", false),
		LogSampleN:           getint("LOG_SAMPLE_N", 0),
		APIBaseURL:           strings.TrimRight(getenv("API_BASE_URL", "https://locals-v5-api.onrender.com"), "/"),
		APITimeout:           getduration("API_TIMEOUT", 10*time.Second),
		AllowedOrigins:       splitCSV(getenv("ALLOWED_ORIGINS", "https://locals-v1.onrender.com")),
		CookieSecure:         getbool("COOKIE_SECURE", false),
		RedisAddr:            getenv("REDIS_ADDR", ""),
		RedisPoolSize:        getint("REDIS_POOL_SIZE", 64),
		CacheOpTimeout:       getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		SnapshotTTL:          getduration("SNAPSHOT_TTL", 24*time.Hour),
		DefaultMaxDistanceKm: maxKm,
		ClusterRes:           clusterRes,
		SessionCapacity:      getint("SESSION_CAPACITY", 1024),
		Geo: GeoCfg{
			Source:    strings.ToLower(getenv("GEO_SOURCE", "none")),
			StaticLat: getfloat("GEO_STATIC_LAT", 0),
			StaticLon: getfloat("GEO_STATIC_LON", 0),
			StaticAcc: getfloat("GEO_STATIC_ACCURACY_M", 50),
			IPURL:     getenv("GEO_IP_URL", "http://ip-api.com/json"),
			Timeout:   getduration("GEO_TIMEOUT", 10*time.Second),
		},
		Breaker: BreakerCfg{
			Enabled:  getbool("BREAKER_ENABLED", true),
			Failures: uint32(failures),
			Timeout:  getduration("BREAKER_TIMEOUT", 30*time.Second),
		},
		Kafka: KafkaCfg{
			Brokers:             splitCSV(getenv("KAFKA_BROKERS", "localhost:9092")),
			VoteEventsEnabled:   getbool("VOTE_EVENTS_ENABLED", false),
			VoteEventsTopic:     getenv("VOTE_EVENTS_TOPIC", "locals-votes"),
			InvalidationEnabled: getbool("INVALIDATION_ENABLED", false),
			InvalidationTopic:   getenv("INVALIDATION_TOPIC", "locals-locations"),
			InvalidationGroupID: getenv("INVALIDATION_GROUP_ID", "locals-session"),
		},
		Metrics: MetricsCfg{
			Enabled: getbool("METRICS_ENABLED", false),
			Addr:    getenv("METRICS_ADDR", ":9090"),
			Path:    getenv("METRICS_PATH", "/metrics"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
