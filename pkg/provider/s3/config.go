// Package s3 implements the provider interfaces for AWS S3 and S3-compatible storage.
package s3

import "time"

// Config configures an S3 provider.
//
// Authentication priority (AWS SDK v2 default chain):
//  1. Explicit AccessKeyID/SecretAccessKey (if provided)
//  2. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  3. Shared credentials/config files with Profile
//  4. Lambda execution role / ECS task role / EC2 instance metadata
//
// Region handling:
//   - Explicit Region, then env/profile resolution by the SDK.
//   - If still empty and UseIMDSRegion is set, the instance metadata service is asked.
//   - For AWS S3 (no Endpoint) the final fallback is us-east-1.
type Config struct {
	// Bucket is the S3 bucket name (required). Every key the service writes
	// is namespaced by user id inside this single bucket.
	Bucket string

	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores
	// (MinIO, moto, Wasabi). Leave empty for AWS S3.
	Endpoint string

	Profile string

	// AccessKeyID is an explicit access key. If set, SecretAccessKey must also be set.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs (bucket in path, not subdomain).
	// Required for most S3-compatible stores and for presigned URLs against moto.
	ForcePathStyle bool

	// UseIMDSRegion consults EC2 instance metadata when no region resolves.
	UseIMDSRegion bool

	// MaxKeys is the default page size for List operations.
	MaxKeys int

	// PresignExpiry is the default lifetime of presigned GET URLs.
	PresignExpiry time.Duration
}

// DefaultMaxKeys is the default page size for List operations.
const DefaultMaxKeys = 1000

// MaxAllowedKeys is the maximum page size allowed by S3.
const MaxAllowedKeys = 1000

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// DefaultPresignExpiry is the lifetime of presigned URLs when none is configured.
const DefaultPresignExpiry = time.Hour

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}

	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}

	if c.PresignExpiry < 0 {
		return &ConfigError{Field: "PresignExpiry", Message: "must not be negative"}
	}

	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
