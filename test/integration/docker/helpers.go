package docker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/slok/rollr/test/integration/testutils"
)

// Config holds integration test configuration loaded from environment variables.
type Config struct {
	// Image is a small image with a shell used for the sandbox containers.
	Image string
	// Binary is the rollr binary, the binary tests are skipped when missing.
	Binary string
}

func (c *Config) defaults() error {
	if c.Image == "" {
		c.Image = "alpine:3.20"
	}

	if c.Binary != "" {
		// go test changes the CWD to the package directory.
		if !filepath.IsAbs(c.Binary) {
			return fmt.Errorf("ROLLR_INTEGRATION_BINARY must be an absolute path, got %q", c.Binary)
		}
		if _, err := os.Stat(c.Binary); err != nil {
			return fmt.Errorf("rollr binary not found at %q: %w", c.Binary, err)
		}
	}

	return nil
}

// NewConfig loads integration test configuration from environment variables.
// If the config is invalid or the activation env var is not set, the test is skipped.
func NewConfig(t *testing.T) Config {
	t.Helper()

	const (
		envActivation = "ROLLR_INTEGRATION"
		envImage      = "ROLLR_INTEGRATION_IMAGE"
		envBinary     = "ROLLR_INTEGRATION_BINARY"
	)

	if os.Getenv(envActivation) != "true" {
		t.Skipf("Skipping integration test: %s is not set to 'true'", envActivation)
	}

	c := Config{
		Image:  os.Getenv(envImage),
		Binary: os.Getenv(envBinary),
	}

	if err := c.defaults(); err != nil {
		t.Skipf("Skipping due to invalid config: %s", err)
	}

	return c
}

// RunRollrCmd runs a rollr command on an isolated data directory.
func RunRollrCmd(ctx context.Context, t *testing.T, config Config, dataDir string, args ...string) (stdout, stderr []byte, err error) {
	t.Helper()
	if config.Binary == "" {
		t.Skip("Skipping binary test: ROLLR_INTEGRATION_BINARY is not set")
	}

	args = append([]string{"--no-log", "--data-dir", dataDir}, args...)
	return testutils.RunRollr(ctx, nil, config.Binary, args, true)
}
