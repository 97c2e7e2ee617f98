package workflow

import (
	"context"
	"log/slog"

	"github.com/dshills/marketgraph/graph/model"
	"github.com/dshills/marketgraph/internal/market"
)

// ResolveWeights picks the fundamental weighting: the YAML file when path
// is set, else model-generated weights when dynamic is true, else the
// defaults. Any failure falls back to the defaults.
func ResolveWeights(ctx context.Context, chat model.ChatModel, path string, dynamic bool, logger *slog.Logger) market.Weights {
	if logger == nil {
		logger = slog.Default()
	}
	if path != "" {
		w, err := market.LoadWeightsFile(path)
		if err == nil {
			logger.Info("using weights file", "path", path)
			return w
		}
		logger.Warn("weights file rejected, using defaults", "path", path, "error", err)
		return market.DefaultWeights()
	}
	if dynamic && chat != nil {
		w, err := market.GenerateWeights(ctx, chat)
		if err == nil {
			logger.Info("using model-generated weights")
			return w
		}
		logger.Warn("model-generated weights rejected, using defaults", "error", err)
	}
	return market.DefaultWeights()
}
