package config

import (
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "NBHUB"

// newEnv returns a viper instance bound to NBHUB_* variables, so the key
// "database_dsn" reads NBHUB_DATABASE_DSN.
func newEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// parseEnv overlays variables that are set. Sizes accept the same humanized
// forms as the JSON file; an invalid size panics.
func parseEnv(config *Config) {
	v := newEnv()

	str := func(dst *string, key string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}

	str(&config.EndpointAddrHTTP, "endpoint_addr_http")
	str(&config.DatabaseDSN, "database_dsn")
	str(&config.SecretKey, "secret_key")
	str(&config.LogLevel, "log_level")
	str(&config.WorkspaceBase, "workspace_base")
	str(&config.ArchiveDir, "archive_dir")

	if v.IsSet("task_retention") {
		config.TaskRetention = v.GetDuration("task_retention")
	}
	if v.IsSet("sweep_interval") {
		config.SweepInterval = v.GetDuration("sweep_interval")
	}
	if v.IsSet("max_task_lifetime") {
		config.MaxTaskLifetime = v.GetDuration("max_task_lifetime")
	}
	if v.IsSet("max_tasks_per_tenant") {
		config.MaxTasksPerTenant = v.GetInt("max_tasks_per_tenant")
	}

	for key, dst := range map[string]*int64{
		"zip_stream_threshold": &config.ZipStreamThreshold,
		"chunk_size":           &config.ChunkSize,
		"read_text_limit":      &config.ReadTextLimit,
	} {
		if v.IsSet(key) {
			mustSetBytes(dst, v.GetString(key))
		}
	}

	str(&config.S3RootUser, "s3_root_user")
	str(&config.S3RootPassword, "s3_root_password")
	str(&config.S3Bucket, "s3_bucket")
	str(&config.S3Region, "s3_region")
	str(&config.S3BaseEndpoint, "s3_base_endpoint")
	str(&config.S3Prefix, "s3_prefix")
}
