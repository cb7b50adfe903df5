package types

import "testing"

func TestTSPred(t *testing.T) {
	ts := TS(5)
	if got := ts.Pred(); got != 4 {
		t.Errorf("Pred() = %d, want 4", got)
	}
}

func TestTSPredPanicsAtMin(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic calling Pred on TSMin")
		}
	}()
	TSMin.Pred()
}

func TestCheckpointTSOrMin(t *testing.T) {
	var c Checkpoint
	if got := c.TSOrMin(); got != TSMin {
		t.Errorf("unset checkpoint TSOrMin() = %d, want TSMin", got)
	}

	c = Checkpoint{ConfirmedDeletedTS: 42, Set: true}
	if got := c.TSOrMin(); got != 42 {
		t.Errorf("set checkpoint TSOrMin() = %d, want 42", got)
	}
}

func TestSplitKeyRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("abc"),
		[]byte("exactly8"),
		[]byte("a much longer key than the fixed prefix"),
	}
	for _, key := range cases {
		sk := NewSplitKey(key)
		got := sk.Join()
		// NewSplitKey always pads the prefix to splitKeyPrefixLen, so short
		// keys round-trip with trailing zero padding rather than byte-for-byte.
		if len(key) >= splitKeyPrefixLen {
			if string(got) != string(key) {
				t.Errorf("Join() = %q, want %q", got, key)
			}
		}
	}
}

func TestShardForStable(t *testing.T) {
	h := KeySHA256([]byte("some-index-key"))
	a := ShardFor(h, 8)
	b := ShardFor(h, 8)
	if a != b {
		t.Errorf("ShardFor not stable across calls: %d != %d", a, b)
	}
	if a < 0 || a >= 8 {
		t.Errorf("ShardFor out of range: %d", a)
	}
}

func TestRetentionClassString(t *testing.T) {
	if ClassIndex.String() != "index" {
		t.Errorf("ClassIndex.String() = %q", ClassIndex.String())
	}
	if ClassDocument.String() != "document" {
		t.Errorf("ClassDocument.String() = %q", ClassDocument.String())
	}
}
