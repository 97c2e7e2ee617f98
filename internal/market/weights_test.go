package market

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dshills/marketgraph/graph/model"
)

func TestDefaultWeights(t *testing.T) {
	w := DefaultWeights()
	if len(w) != len(MetricNames) {
		t.Fatalf("got %d weights, want %d", len(w), len(MetricNames))
	}
	if err := w.Validate(); err != nil {
		t.Fatal(err)
	}
	if w[MetricEPS] != 0.15 || w[MetricDebtToEquity] != -0.05 {
		t.Errorf("unexpected defaults: %v", w)
	}
}

func TestWeightsValidate(t *testing.T) {
	tests := []struct {
		name string
		w    Weights
		want string
	}{
		{"empty", Weights{}, "no weights"},
		{"unknown", Weights{"Vibes": 0.5}, "unknown metric"},
		{"too large", Weights{MetricEPS: 1.5}, "out of range"},
		{"too small", Weights{MetricEPS: -2}, "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.w.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadWeightsFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "weights.yaml")
	if err := os.WriteFile(path, []byte("EPS: 0.3\nDebt_to_Equity: -0.2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	w, err := LoadWeightsFile(path)
	if err != nil {
		t.Fatalf("LoadWeightsFile: %v", err)
	}
	if w[MetricEPS] != 0.3 || w[MetricDebtToEquity] != -0.2 {
		t.Errorf("overrides not applied: %v", w)
	}
	if w[MetricROE] != 0.10 {
		t.Errorf("defaults not kept: ROE = %v", w[MetricROE])
	}

	bad := filepath.Join(dir, "bad.yaml")
	_ = os.WriteFile(bad, []byte("EPS: 3\n"), 0o600)
	if _, err := LoadWeightsFile(bad); err == nil {
		t.Error("out of range weight accepted")
	}
	if _, err := LoadWeightsFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestParseWeights(t *testing.T) {
	t.Run("fenced with prose", func(t *testing.T) {
		w, err := ParseWeights("Here you go:\n```json\n{\"EPS\": 0.2, \"ROE\": 0.3}\n```")
		if err != nil {
			t.Fatal(err)
		}
		if w[MetricEPS] != 0.2 || w[MetricROE] != 0.3 || w[MetricPERatio] != -0.05 {
			t.Errorf("w = %v", w)
		}
	})

	t.Run("repaired", func(t *testing.T) {
		w, err := ParseWeights(`{'EPS': 0.25, "ROA": 0.1,}`)
		if err != nil {
			t.Fatal(err)
		}
		if w[MetricEPS] != 0.25 {
			t.Errorf("EPS = %v", w[MetricEPS])
		}
	})

	t.Run("no object", func(t *testing.T) {
		if _, err := ParseWeights("I cannot help with that."); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("out of range", func(t *testing.T) {
		if _, err := ParseWeights(`{"EPS": 5}`); err == nil {
			t.Error("expected error")
		}
	})
}

func TestGenerateWeights(t *testing.T) {
	chat := &model.MockChatModel{Responses: []model.ChatOut{{Text: `{"EPS": 0.4}`}}}
	w, err := GenerateWeights(context.Background(), chat)
	if err != nil {
		t.Fatal(err)
	}
	if w[MetricEPS] != 0.4 {
		t.Errorf("EPS = %v", w[MetricEPS])
	}
	prompt := chat.Calls[0].Messages[0].Content
	if !strings.Contains(prompt, "Payout_Ratio") || len(chat.Calls[0].Tools) != 0 {
		t.Errorf("unexpected request: %q", prompt)
	}

	failing := &model.MockChatModel{Err: errors.New("quota")}
	if _, err := GenerateWeights(context.Background(), failing); err == nil {
		t.Error("expected error")
	}
}
