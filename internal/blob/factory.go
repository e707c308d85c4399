package blob

import (
	"context"
	"fmt"
	"os"
)

// Config selects and configures a blob driver.
type Config struct {
	Driver Driver   `yaml:"driver"`
	FSRoot string   `yaml:"fs_root"`
	S3     S3Config `yaml:"s3"`
}

// ConfigFromEnv reads the blob environment variables:
//
//	ENTITYCORE_BLOB_DRIVER   fs|s3|memory (default fs)
//	ENTITYCORE_BLOB_FS_ROOT  root directory for the fs driver (default ./blobdata)
//
// S3 variables are documented on S3ConfigFromEnv.
func ConfigFromEnv() Config {
	return Config{
		Driver: Driver(os.Getenv("ENTITYCORE_BLOB_DRIVER")),
		FSRoot: os.Getenv("ENTITYCORE_BLOB_FS_ROOT"),
		S3:     S3ConfigFromEnv(),
	}
}

// Open constructs the Store named by cfg.Driver. An empty driver means fs.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return NewFilesystem(cfg.FSRoot)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}
