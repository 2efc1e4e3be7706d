package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// The inventory is written by another system; this service only checks
// that it understands the layout.
const (
	schemaVersionKey = keyPrefix + "schema:version"

	minSchemaVersion = 1
	maxSchemaVersion = 1
)

// CheckSchema fails when the inventory was written with a layout this
// reader does not know. A missing version key is treated as version 1.
func CheckSchema(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	version, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	if version == 0 {
		if logger != nil {
			logger.Warnw("device inventory has no schema version, assuming 1", "key", schemaVersionKey)
		}
		version = 1
	}
	if version < minSchemaVersion || version > maxSchemaVersion {
		return fmt.Errorf("unsupported device inventory schema version %d (supported %d-%d)",
			version, minSchemaVersion, maxSchemaVersion)
	}
	if logger != nil {
		logger.Infow("device inventory schema ok", "version", version)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}
