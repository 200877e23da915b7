package sdk

import (
	"context"
	"os"
)

// DefaultOrigin is where a local daemon listens out of the box.
const DefaultOrigin = "http://localhost:8161"

// Discover connects to the deployment named by the CLEAKER_ORIGIN
// environment variable, falling back to the local daemon. The
// returned client is verified by fetching /__bootstrap, so callers
// know addressing works before issuing real traffic.
func Discover(ctx context.Context, opts ...Option) (*Client, error) {
	origin := os.Getenv("CLEAKER_ORIGIN")
	if origin == "" {
		origin = DefaultOrigin
	}

	client, err := Connect(origin, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := client.Bootstrap(ctx); err != nil {
		return nil, err
	}
	return client, nil
}
