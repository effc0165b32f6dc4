package config

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// SharedConfigRegion returns the region from the standard AWS sources
// (AWS_REGION, AWS_DEFAULT_REGION, shared config profile). It never calls the
// network.
func SharedConfigRegion(ctx context.Context) (string, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load shared AWS config: %w", err)
	}
	if cfg.Region == "" {
		return "", fmt.Errorf("no region in environment or shared config")
	}
	return cfg.Region, nil
}
