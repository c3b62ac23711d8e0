package miniaudio

import "testing"

func TestClipFill(t *testing.T) {
	c := &clip{pcm: []byte{1, 2, 3, 4, 5, 6}, done: make(chan struct{})}

	out := make([]byte, 4)
	c.fill(out, nil, 2)
	if string(out) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("first period = %v, want [1 2 3 4]", out)
	}
	select {
	case <-c.done:
		t.Fatal("done closed before clip finished")
	default:
	}

	out = []byte{9, 9, 9, 9}
	c.fill(out, nil, 2)
	if string(out) != string([]byte{5, 6, 0, 0}) {
		t.Errorf("second period = %v, want [5 6 0 0]", out)
	}
	select {
	case <-c.done:
	default:
		t.Fatal("done not closed after clip finished")
	}

	// Further callbacks emit silence without panicking on a closed channel.
	out = []byte{9, 9}
	c.fill(out, nil, 1)
	if out[0] != 0 || out[1] != 0 {
		t.Errorf("trailing period = %v, want silence", out)
	}
}
