package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/dmitrijs2005/notebookhub/internal/flagx"
	"github.com/dmitrijs2005/notebookhub/internal/timex"
)

// JsonConfig is the on-disk shape of the config file. Intervals use
// timex.Duration ("90s" or nanoseconds), sizes are humanized strings such as
// "256MiB" or "8 MB". Zero values leave the current setting untouched.
type JsonConfig struct {
	EndpointAddrHTTP string `json:"endpoint_addr_http"`
	DatabaseDSN      string `json:"database_dsn"`
	SecretKey        string `json:"secret_key"`
	LogLevel         string `json:"log_level"`

	WorkspaceBase string `json:"workspace_base"`
	ArchiveDir    string `json:"archive_dir"`

	TaskRetention     timex.Duration `json:"task_retention"`
	SweepInterval     timex.Duration `json:"sweep_interval"`
	MaxTaskLifetime   timex.Duration `json:"max_task_lifetime"`
	MaxTasksPerTenant int            `json:"max_tasks_per_tenant"`

	ZipStreamThreshold string `json:"zip_stream_threshold"`
	ChunkSize          string `json:"chunk_size"`
	ReadTextLimit      string `json:"read_text_limit"`

	S3RootUser     string `json:"s3_root_user"`
	S3RootPassword string `json:"s3_root_password"`
	S3Bucket       string `json:"s3_bucket"`
	S3Region       string `json:"s3_region"`
	S3BaseEndpoint string `json:"s3_base_endpoint"`
	S3Prefix       string `json:"s3_prefix"`
}

// parseJson overlays the file given by -c/-config. A missing flag means no
// file; an unreadable or invalid file panics, as do bad sizes.
func parseJson(config *Config) {
	path := flagx.ConfigPath(args())
	if path == "" {
		return
	}

	file, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.WorkspaceBase, c.WorkspaceBase)
	setString(&config.ArchiveDir, c.ArchiveDir)

	if c.TaskRetention.Duration > 0 {
		config.TaskRetention = c.TaskRetention.Duration
	}
	if c.SweepInterval.Duration > 0 {
		config.SweepInterval = c.SweepInterval.Duration
	}
	if c.MaxTaskLifetime.Duration > 0 {
		config.MaxTaskLifetime = c.MaxTaskLifetime.Duration
	}
	if c.MaxTasksPerTenant > 0 {
		config.MaxTasksPerTenant = c.MaxTasksPerTenant
	}

	mustSetBytes(&config.ZipStreamThreshold, c.ZipStreamThreshold)
	mustSetBytes(&config.ChunkSize, c.ChunkSize)
	mustSetBytes(&config.ReadTextLimit, c.ReadTextLimit)

	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.S3Prefix, c.S3Prefix)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func parseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(n), nil
}

func mustSetBytes(dst *int64, s string) {
	if s == "" {
		return
	}
	n, err := parseBytes(s)
	if err != nil {
		panic(err)
	}
	*dst = n
}
