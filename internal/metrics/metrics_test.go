package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestChunkCounter(t *testing.T) {
	before := testutil.ToFloat64(chunks.WithLabelValues("test", OutcomeRendered))
	Chunk("test", OutcomeRendered)
	Chunk("test", OutcomeRendered)
	after := testutil.ToFloat64(chunks.WithLabelValues("test", OutcomeRendered))
	if after-before != 2 {
		t.Errorf("chunks delta = %v, want 2", after-before)
	}
}

func TestPlatformCallResult(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		result string
	}{
		{"ok", nil, "ok"},
		{"error", errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := platformCalls.WithLabelValues("test", "send", tt.result)
			before := testutil.ToFloat64(c)
			PlatformCall("test", "send", tt.err)
			if got := testutil.ToFloat64(c) - before; got != 1 {
				t.Errorf("PlatformCall(%v) delta = %v, want 1", tt.err, got)
			}
		})
	}
}

func TestResponsesGauge(t *testing.T) {
	Responses("test", 7)
	if got := testutil.ToFloat64(responses.WithLabelValues("test")); got != 7 {
		t.Errorf("responses gauge = %v, want 7", got)
	}
}
