package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
type Config struct {
	Port string

	FFmpegPath    string
	FFmpegTimeout time.Duration
	WorkDir       string // Shared root for per-session input files and segment directories
	SegmentExt    string // Container extension of produced segments, e.g. "m4a"

	DefaultSegmentTime int // seconds
	MaxSegmentTime     int // seconds, 0 disables the cap

	MaxBodyBytes      int64
	MaxConcurrentJobs int
	AdmissionTimeout  time.Duration

	LogLevel string
	LogFile  string

	// MinIO配置，MinioEndpoint 为空时不启用引用下发
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool

	// Redis配置，RedisHost 为空时不缓存清单
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	ManifestTTL time.Duration

	// EnvFileLoaded reports whether a .env file was found by Load.
	EnvFileLoaded bool
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvInt64 gets an environment variable as int64 or returns a default value.
func getEnvInt64(key string, fallback int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvBool accepts anything strconv.ParseBool does ("1", "true", "FALSE", ...).
func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("90s", "2m") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
// godotenv.Load does not override variables that are already set.
func Load() *Config {
	envErr := godotenv.Load()

	maxJobs := getEnvInt("MAX_CONCURRENT_JOBS", runtime.NumCPU())
	if maxJobs < 1 {
		maxJobs = 1
	}

	return &Config{
		Port:               getEnv("PORT", "3000"),
		FFmpegPath:         getEnv("FFMPEG_PATH", "ffmpeg"),
		FFmpegTimeout:      getEnvDuration("FFMPEG_TIMEOUT", 120*time.Second),
		WorkDir:            getEnv("WORK_DIR", os.TempDir()), // Shared by all sessions
		SegmentExt:         getEnv("SEGMENT_EXT", "m4a"),
		DefaultSegmentTime: getEnvInt("DEFAULT_SEGMENT_TIME", 900),
		MaxSegmentTime:     getEnvInt("MAX_SEGMENT_TIME", 86400),
		MaxBodyBytes:       getEnvInt64("MAX_BODY_BYTES", 100<<20), // 100MB, same limit for both upload endpoints
		MaxConcurrentJobs:  maxJobs,
		AdmissionTimeout:   getEnvDuration("ADMISSION_TIMEOUT", 30*time.Second),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFile:            getEnv("LOG_FILE", ""),
		MinioEndpoint:      getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey:     getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:     os.Getenv("MINIO_SECRET_KEY"), // No default for secrets
		MinioBucket:        getEnv("MINIO_BUCKET", "audiosplit"),
		MinioRegion:        getEnv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:        getEnvBool("MINIO_USE_SSL", false),
		RedisHost:          getEnv("REDIS_HOST", ""),
		RedisPort:          getEnv("REDIS_PORT", "6379"),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		ManifestTTL:        getEnvDuration("MANIFEST_TTL", time.Hour), // Also the lifetime of presigned URLs
		EnvFileLoaded:      envErr == nil,
	}
}

// ReferenceDeliveryEnabled reports whether MinIO is configured.
func (c *Config) ReferenceDeliveryEnabled() bool {
	return c.MinioEndpoint != ""
}

// ManifestCacheEnabled reports whether Redis is configured.
func (c *Config) ManifestCacheEnabled() bool {
	return c.RedisHost != ""
}
