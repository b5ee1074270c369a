package shard

import "testing"

func TestSpanLocate(t *testing.T) {
	s := NewSpan([]int64{10, 10, 10})
	if s.Total() != 30 {
		t.Fatalf("total = %d, want 30", s.Total())
	}
	cases := []struct {
		i             int64
		shard, offset int64
	}{
		{0, 0, 0},
		{9, 0, 9},
		{10, 1, 0},
		{19, 1, 9},
		{20, 2, 0},
		{29, 2, 9},
	}
	for _, c := range cases {
		shardIdx, offset, ok := s.Locate(c.i)
		if !ok || int64(shardIdx) != c.shard || offset != c.offset {
			t.Errorf("Locate(%d) = (%d, %d, %v), want (%d, %d, true)", c.i, shardIdx, offset, ok, c.shard, c.offset)
		}
	}
	if _, _, ok := s.Locate(30); ok {
		t.Error("Locate(30) should be out of range")
	}
	if _, _, ok := s.Locate(-1); ok {
		t.Error("Locate(-1) should be out of range")
	}
}

func TestSpanOffsets(t *testing.T) {
	s := NewSpan([]int64{5, 3, 7})
	if s.OffsetStart(0) != 0 || s.OffsetEnd(0) != 4 {
		t.Errorf("shard 0 range = [%d, %d], want [0, 4]", s.OffsetStart(0), s.OffsetEnd(0))
	}
	if s.OffsetStart(1) != 5 || s.OffsetEnd(1) != 7 {
		t.Errorf("shard 1 range = [%d, %d], want [5, 7]", s.OffsetStart(1), s.OffsetEnd(1))
	}
	if s.OffsetStart(2) != 8 || s.OffsetEnd(2) != 14 {
		t.Errorf("shard 2 range = [%d, %d], want [8, 14]", s.OffsetStart(2), s.OffsetEnd(2))
	}
}
