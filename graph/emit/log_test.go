package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func TestLogEmitter_TextOutput(t *testing.T) {
	t.Run("branch event", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, false)

		emitter.Emit(Event{
			RunID:  "run-001",
			Branch: "technical",
			Step:   1,
			NodeID: "technical_analyst",
			Msg:    MsgNodeStart,
			Meta:   map[string]interface{}{"attempt": 0},
		})

		want := `[node_start] runID=run-001 branch=technical step=1 nodeID=technical_analyst meta={"attempt":0}` + "\n"
		if got := buf.String(); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("run event omits branch", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, false)

		emitter.Emit(Event{RunID: "run-001", Msg: MsgRunStart})

		want := "[run_start] runID=run-001 step=0 nodeID=\n"
		if got := buf.String(); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})
}

func TestLogEmitter_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{RunID: "run-001", Branch: "sentiment", Step: 1, NodeID: "sentiment_analysis", Msg: MsgNodeEnd,
		Meta: map[string]interface{}{"duration_ms": 12}})
	emitter.Emit(Event{RunID: "run-001", Msg: MsgRunEnd})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}

	var first map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if first["branch"] != "sentiment" || first["nodeID"] != "sentiment_analysis" || first["msg"] != MsgNodeEnd {
		t.Errorf("unexpected fields: %v", first)
	}
	meta, _ := first["meta"].(map[string]interface{})
	if meta["duration_ms"] != float64(12) {
		t.Errorf("meta = %v", meta)
	}

	var second map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if _, ok := second["branch"]; ok {
		t.Error("empty branch should be omitted")
	}
}

func TestLogEmitter_ConcurrentLinesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				emitter.Emit(Event{RunID: "run", Msg: MsgNodeStart, Step: j})
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 400 {
		t.Fatalf("expected 400 lines, got %d", len(lines))
	}
	for _, line := range lines {
		if !json.Valid([]byte(line)) {
			t.Fatalf("corrupt line: %q", line)
		}
	}
}
