package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTagCompare(t *testing.T) {
	tests := []struct {
		name   string
		a, b   Tag
		expect int
	}{
		{"equal", Tag{3, 1}, Tag{3, 1}, 0},
		{"counter decides", Tag{2, 9}, Tag{3, 0}, -1},
		{"writer breaks tie", Tag{3, 2}, Tag{3, 1}, 1},
		{"zero is oldest", Tag{}, Tag{0, 1}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, tt.a.Compare(tt.b))
			assert.Equal(t, -tt.expect, tt.b.Compare(tt.a))
		})
	}
}

func TestMaxTagAndNext(t *testing.T) {
	assert.Equal(t, Tag{}, MaxTag())
	assert.Equal(t, Tag{7, 2}, MaxTag(Tag{5, 9}, Tag{7, 2}, Tag{7, 1}))
	assert.Equal(t, Tag{8, 4}, Tag{7, 2}.Next(4))
}

func TestRecordStructuralEquality(t *testing.T) {
	a := New(Tag{1, 1}, []byte("v"), PhaseWrite)
	b := New(Tag{1, 1}, []byte("v"), PhaseWrite)

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Equal(t, a.Key(), b.Key())

	assert.False(t, a.Equal(New(Tag{1, 2}, []byte("v"), PhaseWrite)))
	assert.False(t, a.Equal(New(Tag{1, 1}, []byte("w"), PhaseWrite)))
	assert.False(t, a.Equal(New(Tag{1, 1}, []byte("v"), PhaseWriteBack)))
}

func TestRecordIsImmutable(t *testing.T) {
	element := []byte("abc")
	r := New(Tag{1, 0}, element, PhaseWrite)
	element[0] = 'x'

	out := r.Element()
	out[1] = 'y'

	assert.Equal(t, []byte("abc"), r.Element())
}

func TestRecordAsMapKey(t *testing.T) {
	seen := map[Key]int{}
	for _, r := range []Record{
		New(Tag{1, 0}, []byte("a"), PhaseWrite),
		New(Tag{1, 0}, []byte("a"), PhaseWrite),
		New(Tag{2, 0}, []byte("a"), PhaseWrite),
	} {
		seen[r.Key()]++
	}
	assert.Len(t, seen, 2)
	assert.Equal(t, 2, seen[New(Tag{1, 0}, []byte("a"), PhaseWrite).Key()])
}

func TestRecordNewer(t *testing.T) {
	old := New(Tag{1, 0}, nil, PhaseWrite)
	cur := New(Tag{1, 3}, nil, PhaseWrite)
	assert.True(t, cur.Newer(old))
	assert.False(t, old.Newer(cur))
	assert.False(t, cur.Newer(cur))
}
