package config

import (
	"flag"
	"io"

	"github.com/dmitrijs2005/notebookhub/internal/flagx"
)

// parseFlags overlays the short command-line flags:
//
//	-a string   HTTP bind address (":8080")
//	-d string   PostgreSQL DSN
//	-s string   JWT HMAC secret
//	-l string   log level
//	-w string   workspace base directory (tenant roots live below it)
//	-x string   directory for materialized zip archives
//	-z string   zip stream threshold, e.g. "256MiB"
//	-u string   S3 access key of the bootstrap system default
//	-p string   S3 secret key
//	-b string   S3 bucket
//	-g string   S3 region
//	-e string   S3 base endpoint
//	-f string   S3 key prefix, may contain {tenant}
//
// Other arguments are filtered out first so unknown flags do not fail.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(args(), []string{
		"-a", "-d", "-s", "-l", "-w", "-x", "-z",
		"-u", "-p", "-b", "-g", "-e", "-f",
	})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&config.EndpointAddrHTTP, "a", config.EndpointAddrHTTP, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")
	fs.StringVar(&config.WorkspaceBase, "w", config.WorkspaceBase, "workspace base directory")
	fs.StringVar(&config.ArchiveDir, "x", config.ArchiveDir, "zip archive directory")
	threshold := fs.String("z", "", "zip stream threshold")

	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 access key")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 secret key")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")
	fs.StringVar(&config.S3Prefix, "f", config.S3Prefix, "S3 key prefix")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	mustSetBytes(&config.ZipStreamThreshold, *threshold)
}
