// Package models defines the value types shared by the notebookhub server
// packages: storage configurations, transfer tasks and workspace entries.
package models

import "time"

// ConfigSource tells where a resolved StorageConfig came from.
type ConfigSource string

const (
	SourcePersonal ConfigSource = "personal"
	SourceSystem   ConfigSource = "system"
)

// StorageConfig is an immutable snapshot of object-storage connection
// parameters for one tenant. Endpoint and Region are optional; Bucket is
// always set on a resolved config. Prefix is either empty or ends in "/".
type StorageConfig struct {
	Endpoint  string       `json:"endpoint,omitempty"`
	AccessKey string       `json:"access_key"`
	SecretKey string       `json:"secret_key,omitempty"`
	Region    string       `json:"region,omitempty"`
	Bucket    string       `json:"bucket"`
	Prefix    string       `json:"prefix,omitempty"`
	Source    ConfigSource `json:"source,omitempty"`
}

// Redacted returns a copy safe to log or show: the secret key is masked.
func (c StorageConfig) Redacted() StorageConfig {
	if c.SecretKey != "" {
		c.SecretKey = "********"
	}
	return c
}

// StorageConfigRecord is a persisted configuration row, personal or system.
type StorageConfigRecord struct {
	ID        int64
	Tenant    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	Prefix    string
	UpdatedAt time.Time
}

// Config converts the row into a StorageConfig tagged with src. Prefix
// normalization is left to the resolver.
func (r StorageConfigRecord) Config(src ConfigSource) StorageConfig {
	return StorageConfig{
		Endpoint:  r.Endpoint,
		AccessKey: r.AccessKey,
		SecretKey: r.SecretKey,
		Region:    r.Region,
		Bucket:    r.Bucket,
		Prefix:    r.Prefix,
		Source:    src,
	}
}
