package logging_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/spacemeshos/powsubnet/logging"
)

func TestContextCarriesLogger(t *testing.T) {
	t.Parallel()
	logger := zaptest.NewLogger(t).Named("carried")
	ctx := logging.NewContext(context.Background(), logger)
	require.Same(t, logger, logging.FromContext(ctx))

	// Falls back to a fresh logger.
	require.NotNil(t, logging.FromContext(context.Background()))
}

func TestLogsToFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "powsubnet.log")
	logger := logging.New(zap.InfoLevel, path, true, logging.WithRotation(1, 2))
	logger.Info("hello file", zap.String("miner", "m1"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello file")
	require.Contains(t, string(data), `"miner":"m1"`)
}
