package tcan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameMatcherExact(t *testing.T) {
	m := NewFrameMatcher(0x181)
	assert.True(t, m.Matches(0x181))
	assert.False(t, m.Matches(0x182))
}

func TestFrameMatcherMasked(t *testing.T) {
	m := FrameMatcher{Identifier: 0x180, Mask: 0xFFFFFF00}
	for _, id := range []uint32{0x180, 0x181, 0x1FF} {
		if !m.Matches(id) {
			t.Errorf("expected id 0x%x to match", id)
		}
	}
	if m.Matches(0x280) {
		t.Error("0x280 should not match")
	}
}

func TestFrameMatcherAsMapKey(t *testing.T) {
	table := map[FrameMatcher]int{}
	table[NewFrameMatcher(0x181)] = 1
	table[NewFrameMatcher(0x182)] = 2
	assert.Equal(t, 1, table[NewFrameMatcher(0x181)])
	assert.Equal(t, 2, table[FrameMatcher{Identifier: 0x182, Mask: 0xFFFFFFFF}])
}
