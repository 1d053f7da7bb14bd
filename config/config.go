package config

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// AppConfig holds the application-level configuration
type AppConfig struct {
	EtcDir string `mapstructure:"etc_dir" validate:"required"`
	VarDir string `mapstructure:"var_dir" validate:"required"`

	CryptChunkSizeMB       float64 `mapstructure:"crypt_chunk_size_mb" validate:"gt=0"`
	BundleMaxSizeMB        float64 `mapstructure:"bundle_max_size_mb" validate:"gt=0"`
	UploadFragmentSizeKB   float64 `mapstructure:"upload_fragment_size_kb" validate:"gt=0"`
	FragmentAlignmentBytes int64   `mapstructure:"fragment_alignment_bytes" validate:"gt=0"`
	DownloadChunkSizeBytes int64   `mapstructure:"download_chunk_size_bytes" validate:"gt=0"`
	DefaultRemoteFileName  string  `mapstructure:"default_remote_file_name" validate:"required"`

	APIURL         string        `mapstructure:"api_url" validate:"required,url"`
	TokenURL       string        `mapstructure:"token_url" validate:"required,url"`
	Tenant         string        `mapstructure:"tenant" validate:"required"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" validate:"gt=0"`

	Pool        PoolConfig        `mapstructure:"pool"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Recovery    RecoveryConfig    `mapstructure:"recovery"`
	Email       EmailConfig       `mapstructure:"email"`
	Server      ServerConfig      `mapstructure:"server"`
}

// PoolConfig tunes the worker pool and its supervisors.
type PoolConfig struct {
	UploadWorkers        int           `mapstructure:"upload_workers" validate:"gte=1"`
	DownloadWorkers      int           `mapstructure:"download_workers" validate:"gte=1"`
	UploadRetryCeiling   int           `mapstructure:"upload_retry_ceiling" validate:"gte=0"`
	DownloadRetryCeiling int           `mapstructure:"download_retry_ceiling" validate:"gte=0"`
	ManagerStallTimeout  time.Duration `mapstructure:"manager_stall_timeout" validate:"gt=0"`
	WorkerIdleTimeout    time.Duration `mapstructure:"worker_idle_timeout" validate:"gt=0"`
	QueuePollInterval    time.Duration `mapstructure:"queue_poll_interval" validate:"gt=0"`

	CredHeadStart            time.Duration `mapstructure:"cred_head_start" validate:"gte=0"`
	DirHeadStart             time.Duration `mapstructure:"dir_head_start" validate:"gte=0"`
	ManagerHeadStart         time.Duration `mapstructure:"manager_head_start" validate:"gte=0"`
	DownloadManagerHeadStart time.Duration `mapstructure:"download_manager_head_start" validate:"gte=0"`
	DirectoryRetryWait       time.Duration `mapstructure:"directory_retry_wait" validate:"gte=0"`
}

// CredentialsConfig tunes the token refresh loop and its lease.
type CredentialsConfig struct {
	CheckInterval     time.Duration   `mapstructure:"check_interval" validate:"gt=0"`
	LockPollInterval  time.Duration   `mapstructure:"lock_poll_interval" validate:"gt=0"`
	LockTTL           time.Duration   `mapstructure:"lock_ttl" validate:"gt=0"`
	RefreshOffsets    []time.Duration `mapstructure:"refresh_offsets" validate:"min=1"`
	MaxRefreshFailure int             `mapstructure:"max_refresh_failures" validate:"gte=0"`
}

// RecoveryConfig holds the provider specific waits of the partial fragment recovery.
type RecoveryConfig struct {
	FirstWait      time.Duration `mapstructure:"partial_retry_first_wait" validate:"gte=0"`
	SecondWait     time.Duration `mapstructure:"partial_retry_second_wait" validate:"gte=0"`
	RecentlyWindow time.Duration `mapstructure:"recent_modification_window" validate:"gt=0"`
}

// EmailConfig configures outbound notifications.
type EmailConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	To        string `mapstructure:"to" validate:"omitempty,email"`
	FromAddr  string `mapstructure:"from_addr" validate:"omitempty,email"`
	FromName  string `mapstructure:"from_name"`
	AWSRegion string `mapstructure:"aws_region"`
	LogLines  int    `mapstructure:"log_lines" validate:"gte=0"`
}

// ServerConfig configures the intake API.
type ServerConfig struct {
	ListenAddr     string `mapstructure:"listen_addr" validate:"required"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("etc_dir", "/etc/onedrive-offsite")
	v.SetDefault("var_dir", "/var/onedrive-offsite")

	v.SetDefault("crypt_chunk_size_mb", 30)
	v.SetDefault("bundle_max_size_mb", 10000) // provider caps a single file at 268 GB
	v.SetDefault("upload_fragment_size_kb", 10485.76)
	v.SetDefault("fragment_alignment_bytes", 327680) // 320 KiB
	v.SetDefault("download_chunk_size_bytes", 10485760)
	v.SetDefault("default_remote_file_name", "onedrive_offsite_backup.tar.gz")

	v.SetDefault("api_url", "https://graph.microsoft.com")
	v.SetDefault("token_url", "https://login.microsoftonline.com")
	v.SetDefault("tenant", "consumers")
	v.SetDefault("connect_timeout", 10*time.Second)
	v.SetDefault("read_timeout", 60*time.Second)

	v.SetDefault("pool.upload_workers", 5)
	v.SetDefault("pool.download_workers", 5)
	v.SetDefault("pool.upload_retry_ceiling", 5)
	v.SetDefault("pool.download_retry_ceiling", 2)
	v.SetDefault("pool.manager_stall_timeout", 4*time.Hour)
	v.SetDefault("pool.worker_idle_timeout", 2*time.Hour)
	v.SetDefault("pool.queue_poll_interval", 5*time.Second)
	v.SetDefault("pool.cred_head_start", 5*time.Second)
	v.SetDefault("pool.dir_head_start", 50*time.Second)
	v.SetDefault("pool.manager_head_start", 2*time.Second)
	v.SetDefault("pool.download_manager_head_start", 5*time.Second)
	v.SetDefault("pool.directory_retry_wait", 20*time.Second)

	v.SetDefault("credentials.check_interval", 60*time.Second)
	v.SetDefault("credentials.lock_poll_interval", 300*time.Second)
	v.SetDefault("credentials.lock_ttl", 2*time.Hour)
	v.SetDefault("credentials.refresh_offsets", []string{"20m", "10m", "5m"})
	v.SetDefault("credentials.max_refresh_failures", 2)

	v.SetDefault("recovery.partial_retry_first_wait", 5*time.Minute)
	v.SetDefault("recovery.partial_retry_second_wait", 20*time.Minute)
	v.SetDefault("recovery.recent_modification_window", 15*time.Minute)

	v.SetDefault("email.enabled", false)
	v.SetDefault("email.from_name", "onedrive-offsite")
	v.SetDefault("email.aws_region", "us-west-2")
	v.SetDefault("email.log_lines", 30)

	v.SetDefault("server.listen_addr", ":5000")
	v.SetDefault("server.metrics_enabled", false)
}

// Load reads config.yaml from path (if present) layered over defaults and
// OFFSITE_* environment variables.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath("/etc/onedrive-offsite")
	v.SetEnvPrefix("offsite")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		log.Printf("⚠️ Could not read config file, using defaults: %v", err)
	}

	var appConfig AppConfig
	if err := v.Unmarshal(&appConfig); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := appConfig.Validate(); err != nil {
		return nil, err
	}

	return &appConfig, nil
}

// Validate checks struct constraints and cross-field sizing rules.
func (c *AppConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Email.Enabled && (c.Email.To == "" || c.Email.FromAddr == "" || c.Email.AWSRegion == "") {
		return fmt.Errorf("invalid configuration: email enabled without to, from_addr and aws_region")
	}
	if c.MaxChunksPerBundle() == 0 {
		return fmt.Errorf("invalid configuration: bundle max size %.2f MB is smaller than chunk size %.2f MB",
			c.BundleMaxSizeMB, c.CryptChunkSizeMB)
	}
	return nil
}

// MaxChunksPerBundle is how many encrypted chunks fit in one bundle.
func (c *AppConfig) MaxChunksPerBundle() int {
	return int(c.BundleMaxSizeMB / c.CryptChunkSizeMB)
}

// UploadFragmentBytes is the configured maximum upload fragment in bytes.
func (c *AppConfig) UploadFragmentBytes() int64 {
	return int64(c.UploadFragmentSizeKB * 1000)
}

func (c *AppConfig) AppInfoPath() string     { return filepath.Join(c.EtcDir, "app_info.json") }
func (c *AppConfig) CredentialsPath() string { return filepath.Join(c.EtcDir, "oauth2_creds.json") }
func (c *AppConfig) KeyPath() string         { return filepath.Join(c.EtcDir, "onedrive-offsite.key") }
func (c *AppConfig) LockPath() string        { return filepath.Join(c.EtcDir, "cred_mgr_lock") }
func (c *AppConfig) StateDir() string        { return filepath.Join(c.EtcDir, "state") }
func (c *AppConfig) LogPath() string         { return filepath.Join(c.EtcDir, "onedrive-offsite.log") }
func (c *AppConfig) ChunkDir() string        { return filepath.Join(c.VarDir, "backup_crypt_chunks") }
func (c *AppConfig) BundleDir() string       { return filepath.Join(c.VarDir, "crypt_tar_gz") }
func (c *AppConfig) DownloadDir() string     { return filepath.Join(c.VarDir, "download") }
func (c *AppConfig) ExtractDir() string      { return filepath.Join(c.VarDir, "extracted_crypt") }

// RestorePath is where a restored backup for dirName is reassembled.
func (c *AppConfig) RestorePath(dirName string) string {
	return filepath.Join(c.VarDir, dirName+".vma.zst")
}
