package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Service    ServiceConfig         `yaml:"service" json:"service"`
	StateDB    PostgresConfig        `yaml:"state_db" json:"state_db"`
	Sources    map[string]SourceDB   `yaml:"sources" json:"sources"`
	Redis      RedisConfig           `yaml:"redis" json:"redis"`
	Storage    StorageConfig         `yaml:"storage" json:"storage"`
	Archive    ArchiveConfig         `yaml:"archive" json:"archive"`
	Tables     []TableConfig         `yaml:"tables" json:"tables"`
	Compliance ComplianceConfig      `yaml:"compliance" json:"compliance"`
	Restore    RestoreConfig         `yaml:"restore" json:"restore"`
	Lock       LockConfig            `yaml:"lock" json:"lock"`
	Jobs       JobsConfig            `yaml:"jobs" json:"jobs"`
	Scheduler  SchedulerConfig       `yaml:"scheduler" json:"scheduler"`
	Log        LogConfig             `yaml:"log" json:"log"`
}

type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
}

// PostgresConfig 归档器自身状态库 (水位线镜像 / 审计 / 分级删除)
type PostgresConfig struct {
	Host                   string `yaml:"host" json:"host"`
	Port                   int    `yaml:"port" json:"port"`
	User                   string `yaml:"user" json:"user"`
	Password               string `yaml:"password" json:"password"`
	PasswordEnv            string `yaml:"password_env" json:"password_env"`
	Database               string `yaml:"database" json:"database"`
	MaxConnections         int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns           int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes" json:"conn_max_lifetime_minutes"`
}

// SourceDB 被归档的源数据库
type SourceDB struct {
	Host                    string `yaml:"host" json:"host"`
	Port                    int    `yaml:"port" json:"port"`
	User                    string `yaml:"user" json:"user"`
	Password                string `yaml:"password" json:"password"`
	PasswordEnv             string `yaml:"password_env" json:"password_env"`
	Database                string `yaml:"database" json:"database"`
	MaxConnections          int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns            int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	StatementTimeoutSeconds int    `yaml:"statement_timeout_seconds" json:"statement_timeout_seconds"`
	// MaxClockSkewSeconds 应用与数据库服务器时钟偏差容忍上限
	MaxClockSkewSeconds int `yaml:"max_clock_skew_seconds" json:"max_clock_skew_seconds"`
}

type RedisConfig struct {
	Host        string `yaml:"host" json:"host"`
	Port        int    `yaml:"port" json:"port"`
	Password    string `yaml:"password" json:"password"`
	PasswordEnv string `yaml:"password_env" json:"password_env"`
	DB          int    `yaml:"db" json:"db"`
	PoolSize    int    `yaml:"pool_size" json:"pool_size"`
}

// StorageConfig 对象存储配置
type StorageConfig struct {
	// Backend 存储后端: s3 / local / memory
	Backend         string `yaml:"backend" json:"backend"`
	Bucket          string `yaml:"bucket" json:"bucket"`
	Prefix          string `yaml:"prefix" json:"prefix"`
	Region          string `yaml:"region" json:"region"`
	Endpoint        string `yaml:"endpoint" json:"endpoint"`
	AccessKeyEnv    string `yaml:"access_key_env" json:"access_key_env"`
	SecretKeyEnv    string `yaml:"secret_key_env" json:"secret_key_env"`
	ForcePathStyle  bool   `yaml:"force_path_style" json:"force_path_style"`
	StorageClass    string `yaml:"storage_class" json:"storage_class"`
	// SSE 服务端加密: "" / aes256 / aws:kms
	SSE      string `yaml:"sse" json:"sse"`
	KMSKeyID string `yaml:"kms_key_id" json:"kms_key_id"`
	// LocalDir local 后端的根目录
	LocalDir string `yaml:"local_dir" json:"local_dir"`
	// FallbackDir 存储不可达时的本地兜底目录，空串禁用兜底
	FallbackDir string `yaml:"fallback_dir" json:"fallback_dir"`

	// MultipartThresholdBytes 超过该大小走分片上传
	MultipartThresholdBytes int64 `yaml:"multipart_threshold_bytes" json:"multipart_threshold_bytes"`
	PartSizeBytes           int64 `yaml:"part_size_bytes" json:"part_size_bytes"`

	// RequestsPerSecond 令牌桶速率，0 不限速
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`

	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// ArchiveConfig 归档管线配置
type ArchiveConfig struct {
	DefaultBatchSize     int `yaml:"default_batch_size" json:"default_batch_size"`
	MinBatchSize         int `yaml:"min_batch_size" json:"min_batch_size"`
	MaxBatchSize         int `yaml:"max_batch_size" json:"max_batch_size"`
	TargetFetchMillis    int `yaml:"target_fetch_millis" json:"target_fetch_millis"`
	MemoryCapMB          int `yaml:"memory_cap_mb" json:"memory_cap_mb"`
	CompressionLevel     int `yaml:"compression_level" json:"compression_level"`
	CheckpointInterval   int `yaml:"checkpoint_interval" json:"checkpoint_interval"`
	MaxParallelTables    int `yaml:"max_parallel_tables" json:"max_parallel_tables"`
	RetryMaxAttempts     int `yaml:"retry_max_attempts" json:"retry_max_attempts"`
	RetryBaseMillis      int `yaml:"retry_base_millis" json:"retry_base_millis"`
	RetryMaxMillis       int `yaml:"retry_max_millis" json:"retry_max_millis"`
	BatchTimeoutSeconds  int `yaml:"batch_timeout_seconds" json:"batch_timeout_seconds"`
	SampleCheckMax       int `yaml:"sample_check_max" json:"sample_check_max"`
	DefaultRetentionDays int `yaml:"default_retention_days" json:"default_retention_days"`

	// DeletionMode verify_then_delete / staged
	DeletionMode      string `yaml:"deletion_mode" json:"deletion_mode"`
	StagedDelayHours  int    `yaml:"staged_delay_hours" json:"staged_delay_hours"`
	ArchiverVersion   string `yaml:"archiver_version" json:"archiver_version"`
	DryRun            bool   `yaml:"dry_run" json:"dry_run"`
}

// TableConfig 单表归档目标
type TableConfig struct {
	Source           string `yaml:"source" json:"source"`
	Schema           string `yaml:"schema" json:"schema"`
	Table            string `yaml:"table" json:"table"`
	TimestampColumn  string `yaml:"timestamp_column" json:"timestamp_column"`
	PrimaryKey       string `yaml:"primary_key" json:"primary_key"`
	RetentionDays    int    `yaml:"retention_days" json:"retention_days"`
	Classification   string `yaml:"classification" json:"classification"`
	Critical         bool   `yaml:"critical" json:"critical"`
	BatchSize        int    `yaml:"batch_size" json:"batch_size"`
	MaxBatchesPerRun int    `yaml:"max_batches_per_run" json:"max_batches_per_run"`
	VacuumStrategy   string `yaml:"vacuum_strategy" json:"vacuum_strategy"`
}

// RetentionBound 某数据分类允许的保留天数区间。
// MaxDays 为 0 表示不设上限。
type RetentionBound struct {
	MinDays int `yaml:"min_days" json:"min_days"`
	MaxDays int `yaml:"max_days" json:"max_days"`
}

// ComplianceConfig 合规门禁配置
type ComplianceConfig struct {
	// RetentionBounds 按分类的保留天数区间，生效保留期越界的表不归档
	RetentionBounds map[string]RetentionBound `yaml:"retention_bounds" json:"retention_bounds"`
	// LegalHoldSource db / file / http / none
	LegalHoldSource   string `yaml:"legal_hold_source" json:"legal_hold_source"`
	LegalHoldFile     string `yaml:"legal_hold_file" json:"legal_hold_file"`
	LegalHoldURL      string `yaml:"legal_hold_url" json:"legal_hold_url"`
	// RequireEncryption 关键表要求 SSE 开启
	RequireEncryption bool `yaml:"require_encryption" json:"require_encryption"`
}

// RestoreConfig 恢复引擎配置
type RestoreConfig struct {
	// ConflictStrategy skip / overwrite / fail / upsert
	ConflictStrategy string `yaml:"conflict_strategy" json:"conflict_strategy"`
	// SchemaStrategy strict / lenient / transform / none
	SchemaStrategy string `yaml:"schema_strategy" json:"schema_strategy"`
	BulkLoadSize   int    `yaml:"bulk_load_size" json:"bulk_load_size"`
}

// LockConfig 分布式锁配置
type LockConfig struct {
	// Backend redis / file
	Backend          string `yaml:"backend" json:"backend"`
	TTLMinutes       int    `yaml:"ttl_minutes" json:"ttl_minutes"`
	HeartbeatSeconds int    `yaml:"heartbeat_seconds" json:"heartbeat_seconds"`
	// FileDir file 后端锁文件目录
	FileDir string `yaml:"file_dir" json:"file_dir"`
}

type JobsConfig struct {
	Archive           JobConfig `yaml:"archive" json:"archive"`
	StagedSweeper     JobConfig `yaml:"staged_sweeper" json:"staged_sweeper"`
	FallbackCleanup   JobConfig `yaml:"fallback_cleanup" json:"fallback_cleanup"`
	MultipartCleanup  JobConfig `yaml:"multipart_cleanup" json:"multipart_cleanup"`
	ArchiveValidation JobConfig `yaml:"archive_validation" json:"archive_validation"`
}

type JobConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Cron    string `yaml:"cron" json:"cron"`
}

type SchedulerConfig struct {
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs" json:"max_concurrent_jobs"`
}

type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	configPath := getConfigPath()
	data, err := os.ReadFile(configPath)
	if err == nil {
		// 先做环境变量替换再解析
		content := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	resolveSecrets(cfg)

	return cfg, nil
}

// getConfigPath 获取配置文件路径
func getConfigPath() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	if _, err := os.Stat("config/config.yaml"); err == nil {
		return "config/config.yaml"
	}
	if exe, err := os.Executable(); err == nil {
		path := filepath.Join(filepath.Dir(exe), "config", "config.yaml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return "config/config.yaml"
}

// applyDefaults 应用默认配置
func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "eidos-archiver"
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 8080
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.StateDB.Host == "" {
		cfg.StateDB.Host = "localhost"
	}
	if cfg.StateDB.Port == 0 {
		cfg.StateDB.Port = 5432
	}
	if cfg.StateDB.User == "" {
		cfg.StateDB.User = "eidos"
	}
	if cfg.StateDB.Database == "" {
		cfg.StateDB.Database = "eidos_archiver"
	}
	if cfg.StateDB.MaxConnections == 0 {
		cfg.StateDB.MaxConnections = 10
	}
	if cfg.StateDB.MaxIdleConns == 0 {
		cfg.StateDB.MaxIdleConns = 5
	}
	if cfg.StateDB.ConnMaxLifetimeMinutes == 0 {
		cfg.StateDB.ConnMaxLifetimeMinutes = 30
	}

	for name, src := range cfg.Sources {
		if src.Port == 0 {
			src.Port = 5432
		}
		if src.MaxConnections == 0 {
			src.MaxConnections = 5
		}
		if src.MaxIdleConns == 0 {
			src.MaxIdleConns = 2
		}
		if src.StatementTimeoutSeconds == 0 {
			src.StatementTimeoutSeconds = 300
		}
		if src.MaxClockSkewSeconds == 0 {
			src.MaxClockSkewSeconds = 300
		}
		cfg.Sources[name] = src
	}

	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 20
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "s3"
	}
	if cfg.Storage.Prefix == "" {
		cfg.Storage.Prefix = "archive"
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = "us-east-1"
	}
	if cfg.Storage.MultipartThresholdBytes == 0 {
		cfg.Storage.MultipartThresholdBytes = 10 << 20
	}
	if cfg.Storage.PartSizeBytes == 0 {
		cfg.Storage.PartSizeBytes = 5 << 20
	}
	if cfg.Storage.Burst == 0 {
		cfg.Storage.Burst = 10
	}
	if cfg.Storage.TimeoutSeconds == 0 {
		cfg.Storage.TimeoutSeconds = 60
	}

	if cfg.Archive.DefaultBatchSize == 0 {
		cfg.Archive.DefaultBatchSize = 10000
	}
	if cfg.Archive.MinBatchSize == 0 {
		cfg.Archive.MinBatchSize = 1000
	}
	if cfg.Archive.MaxBatchSize == 0 {
		cfg.Archive.MaxBatchSize = 50000
	}
	if cfg.Archive.TargetFetchMillis == 0 {
		cfg.Archive.TargetFetchMillis = 2000
	}
	if cfg.Archive.MemoryCapMB == 0 {
		cfg.Archive.MemoryCapMB = 512
	}
	if cfg.Archive.CompressionLevel == 0 {
		cfg.Archive.CompressionLevel = 6
	}
	if cfg.Archive.CheckpointInterval == 0 {
		cfg.Archive.CheckpointInterval = 10
	}
	if cfg.Archive.MaxParallelTables == 0 {
		cfg.Archive.MaxParallelTables = 3
	}
	if cfg.Archive.MaxParallelTables > 10 {
		cfg.Archive.MaxParallelTables = 10
	}
	if cfg.Archive.RetryMaxAttempts == 0 {
		cfg.Archive.RetryMaxAttempts = 3
	}
	if cfg.Archive.RetryBaseMillis == 0 {
		cfg.Archive.RetryBaseMillis = 2000
	}
	if cfg.Archive.RetryMaxMillis == 0 {
		cfg.Archive.RetryMaxMillis = 30000
	}
	if cfg.Archive.BatchTimeoutSeconds == 0 {
		cfg.Archive.BatchTimeoutSeconds = 900
	}
	if cfg.Archive.SampleCheckMax == 0 {
		cfg.Archive.SampleCheckMax = 1000
	}
	if cfg.Archive.DefaultRetentionDays == 0 {
		cfg.Archive.DefaultRetentionDays = 90
	}
	if cfg.Archive.DeletionMode == "" {
		cfg.Archive.DeletionMode = "verify_then_delete"
	}
	if cfg.Archive.StagedDelayHours == 0 {
		cfg.Archive.StagedDelayHours = 24
	}
	if cfg.Archive.ArchiverVersion == "" {
		cfg.Archive.ArchiverVersion = "dev"
	}

	if cfg.Compliance.LegalHoldSource == "" {
		cfg.Compliance.LegalHoldSource = "db"
	}

	if cfg.Restore.ConflictStrategy == "" {
		cfg.Restore.ConflictStrategy = "fail"
	}
	if cfg.Restore.SchemaStrategy == "" {
		cfg.Restore.SchemaStrategy = "strict"
	}
	if cfg.Restore.BulkLoadSize == 0 {
		cfg.Restore.BulkLoadSize = 50000
	}

	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = "redis"
	}
	if cfg.Lock.TTLMinutes == 0 {
		cfg.Lock.TTLMinutes = 120
	}
	if cfg.Lock.HeartbeatSeconds == 0 {
		cfg.Lock.HeartbeatSeconds = 30
	}
	if cfg.Lock.FileDir == "" {
		cfg.Lock.FileDir = os.TempDir()
	}

	if cfg.Scheduler.MaxConcurrentJobs == 0 {
		cfg.Scheduler.MaxConcurrentJobs = 3
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// applyEnvOverrides 从环境变量覆盖配置
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVICE_NAME"); v != "" {
		cfg.Service.Name = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Service.HTTPPort = port
		}
	}
	if v := os.Getenv("ENV"); v != "" {
		cfg.Service.Env = v
	}

	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		cfg.StateDB.Host = v
	}
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.StateDB.Port = port
		}
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		cfg.StateDB.User = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		cfg.StateDB.Password = v
	}
	if v := os.Getenv("POSTGRES_DATABASE"); v != "" {
		cfg.StateDB.Database = v
	}

	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Redis.Port = port
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("STORAGE_BUCKET"); v != "" {
		cfg.Storage.Bucket = v
	}
	if v := os.Getenv("STORAGE_PREFIX"); v != "" {
		cfg.Storage.Prefix = v
	}
	if v := os.Getenv("STORAGE_ENDPOINT"); v != "" {
		cfg.Storage.Endpoint = v
	}

	if v := os.Getenv("DRY_RUN"); v == "1" || v == "true" {
		cfg.Archive.DryRun = true
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// resolveSecrets *_env 间接引用优先于明文配置
func resolveSecrets(cfg *Config) {
	if cfg.StateDB.PasswordEnv != "" {
		if v := os.Getenv(cfg.StateDB.PasswordEnv); v != "" {
			cfg.StateDB.Password = v
		}
	}
	if cfg.Redis.PasswordEnv != "" {
		if v := os.Getenv(cfg.Redis.PasswordEnv); v != "" {
			cfg.Redis.Password = v
		}
	}
	for name, src := range cfg.Sources {
		if src.PasswordEnv != "" {
			if v := os.Getenv(src.PasswordEnv); v != "" {
				src.Password = v
				cfg.Sources[name] = src
			}
		}
	}
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// Validate 校验配置，失败应以配置错误码退出
func (cfg *Config) Validate() error {
	if cfg.Storage.Backend != "s3" && cfg.Storage.Backend != "local" && cfg.Storage.Backend != "memory" {
		return fmt.Errorf("storage.backend must be s3, local or memory, got %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Backend == "s3" && cfg.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required for s3 backend")
	}
	if cfg.Storage.Backend == "local" && cfg.Storage.LocalDir == "" {
		return fmt.Errorf("storage.local_dir is required for local backend")
	}
	if cfg.Storage.PartSizeBytes < 5<<20 {
		return fmt.Errorf("storage.part_size_bytes must be at least 5 MiB")
	}
	if cfg.Archive.CompressionLevel < 1 || cfg.Archive.CompressionLevel > 9 {
		return fmt.Errorf("archive.compression_level must be within [1, 9]")
	}
	if cfg.Archive.MinBatchSize > cfg.Archive.MaxBatchSize {
		return fmt.Errorf("archive.min_batch_size exceeds archive.max_batch_size")
	}
	switch cfg.Archive.DeletionMode {
	case "verify_then_delete", "staged":
	default:
		return fmt.Errorf("archive.deletion_mode must be verify_then_delete or staged, got %q", cfg.Archive.DeletionMode)
	}
	switch cfg.Restore.ConflictStrategy {
	case "skip", "overwrite", "fail", "upsert":
	default:
		return fmt.Errorf("restore.conflict_strategy invalid: %q", cfg.Restore.ConflictStrategy)
	}
	switch cfg.Restore.SchemaStrategy {
	case "strict", "lenient", "transform", "none":
	default:
		return fmt.Errorf("restore.schema_strategy invalid: %q", cfg.Restore.SchemaStrategy)
	}
	if cfg.Lock.Backend != "redis" && cfg.Lock.Backend != "file" {
		return fmt.Errorf("lock.backend must be redis or file, got %q", cfg.Lock.Backend)
	}

	if len(cfg.Tables) == 0 {
		return fmt.Errorf("at least one table target is required")
	}
	seen := make(map[string]bool, len(cfg.Tables))
	for i, t := range cfg.Tables {
		if _, ok := cfg.Sources[t.Source]; !ok {
			return fmt.Errorf("tables[%d]: unknown source %q", i, t.Source)
		}
		for _, ident := range []string{t.Schema, t.Table, t.TimestampColumn, t.PrimaryKey} {
			if !identRe.MatchString(ident) {
				return fmt.Errorf("tables[%d]: invalid identifier %q", i, ident)
			}
		}
		if t.RetentionDays < 0 {
			return fmt.Errorf("tables[%d]: retention_days must not be negative", i)
		}
		switch t.VacuumStrategy {
		case "", "none", "analyze", "standard", "full":
		default:
			return fmt.Errorf("tables[%d]: vacuum_strategy invalid: %q", i, t.VacuumStrategy)
		}
		key := t.Source + "/" + t.Schema + "/" + t.Table
		if seen[key] {
			return fmt.Errorf("tables[%d]: duplicate target %s", i, key)
		}
		seen[key] = true

		if t.Critical && cfg.Compliance.RequireEncryption &&
			cfg.Storage.Backend == "s3" && cfg.Storage.SSE == "" {
			return fmt.Errorf("tables[%d]: critical table %s requires storage.sse", i, key)
		}
	}
	return nil
}

// RetentionFor 目标表生效的保留天数，下限由分类边界约束。
// 越过上限不在此处修正，由合规门禁在运行时拒绝。
func (cfg *Config) RetentionFor(t TableConfig) int {
	days := t.RetentionDays
	if days == 0 {
		days = cfg.Archive.DefaultRetentionDays
	}
	if b, ok := cfg.Compliance.RetentionBounds[t.Classification]; ok && days < b.MinDays {
		days = b.MinDays
	}
	return days
}
