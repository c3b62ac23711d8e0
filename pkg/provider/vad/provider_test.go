package vad_test

import (
	"testing"

	"github.com/MrWong99/parley/pkg/provider/vad"
)

func TestFitFrame(t *testing.T) {
	tests := []struct {
		name    string
		in      []float32
		n       int
		want    []float32
		sameRef bool
	}{
		{name: "exact", in: []float32{1, 2, 3}, n: 3, want: []float32{1, 2, 3}, sameRef: true},
		{name: "truncate", in: []float32{1, 2, 3, 4}, n: 2, want: []float32{1, 2}},
		{name: "pad", in: []float32{1}, n: 3, want: []float32{1, 0, 0}},
		{name: "empty", in: nil, n: 2, want: []float32{0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := vad.FitFrame(tt.in, tt.n)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("got[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
			if tt.sameRef && &got[0] != &tt.in[0] {
				t.Error("exact-length frame was copied")
			}
		})
	}
}

func TestConfig(t *testing.T) {
	cfg := vad.Config{SampleRate: 16000, FrameSizeMs: 30, Aggressiveness: 2}
	if got := cfg.FrameSamples(); got != 480 {
		t.Errorf("FrameSamples = %d, want 480", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	cfg.Aggressiveness = -1
	if err := cfg.Validate(); err == nil {
		t.Error("Validate accepted aggressiveness -1")
	}
}
