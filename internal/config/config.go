package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	QueueBackendRiver  = "river"
	QueueBackendAsynq  = "asynq"
	QueueBackendMemory = "memory"

	SpoolBackendFS    = "fs"
	SpoolBackendMinio = "minio"
)

var singleConfig *Config = nil

type Config struct {
	Database *dbConfig
	Queue    *queueConfig
	Storage  *storageConfig
	Service  *svcConfig
}

type dbConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"pgsql"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"drs"`
	User     string `envconfig:"DB_USER" default:"admin"`
	Password string `envconfig:"DB_PASS" default:"adminpass"`
}

type queueConfig struct {
	Backend     string        `envconfig:"DRS_QUEUE_BACKEND" default:"river"`
	Name        string        `envconfig:"DRS_QUEUE_NAME" default:"uploads"`
	Concurrency int           `envconfig:"DRS_WORKER_CONCURRENCY" default:"4"`
	JobTimeout  time.Duration `envconfig:"DRS_JOB_TIMEOUT" default:"1h"`
	Redis       redisConfig
}

type redisConfig struct {
	Hostname string `envconfig:"DRS_REDIS_HOST" default:""`
	Port     string `envconfig:"DRS_REDIS_PORT" default:"6379"`
	Password string `envconfig:"DRS_REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"DRS_REDIS_DB" default:"0"`
}

// Enabled reports whether a redis endpoint was configured.
func (r redisConfig) Enabled() bool {
	return r.Hostname != ""
}

func (r redisConfig) Address() string {
	return r.Hostname + ":" + r.Port
}

type storageConfig struct {
	DataPath     string `envconfig:"DRS_DATA_PATH" default:"/var/lib/drs/data"`
	SpoolBackend string `envconfig:"DRS_SPOOL_BACKEND" default:"fs"`
	SpoolPath    string `envconfig:"DRS_SPOOL_PATH" default:"/var/lib/drs/spool"`
	S3           s3Config
}

type s3Config struct {
	Endpoint  string `envconfig:"DRS_S3_ENDPOINT" default:""`
	Bucket    string `envconfig:"DRS_S3_BUCKET" default:"drs-spool"`
	AccessKey string `envconfig:"DRS_S3_ACCESS_KEY" default:""`
	SecretKey string `envconfig:"DRS_S3_SECRET_KEY" default:""`
	UseSSL    bool   `envconfig:"DRS_S3_USE_SSL" default:"false"`
}

type svcConfig struct {
	Address         string        `envconfig:"DRS_ADDRESS" default:":8080"`
	MetricsAddress  string        `envconfig:"DRS_METRICS_ADDRESS" default:":8081"`
	LogLevel        string        `envconfig:"DRS_LOG_LEVEL" default:"info"`
	CorsOrigins     []string      `envconfig:"DRS_CORS_ORIGINS" default:"*"`
	ServiceInfoPath string        `envconfig:"DRS_SERVICE_INFO_PATH" default:""`
	MigrationFolder string        `envconfig:"DRS_MIGRATIONS_FOLDER" default:""`
	StaleAfter      time.Duration `envconfig:"DRS_STALE_AFTER" default:"2h"`
	ReaperInterval  time.Duration `envconfig:"DRS_REAPER_INTERVAL" default:"1m"`
	MaxUploadBytes  int64         `envconfig:"DRS_MAX_UPLOAD_BYTES" default:"0"`
}

func New() (*Config, error) {
	if singleConfig == nil {
		singleConfig = new(Config)
		if err := envconfig.Process("", singleConfig); err != nil {
			return nil, err
		}
	}
	return singleConfig, nil
}

// NewDefault builds a fresh configuration from defaults and the current
// environment, bypassing the process-wide instance returned by New.
func NewDefault() *Config {
	cfg := new(Config)
	_ = envconfig.Process("", cfg)
	return cfg
}
