package piecestore

import (
	"testing"

	"github.com/anacrolix/torrent"
	"github.com/stretchr/testify/assert"
)

func TestMapExtent(t *testing.T) {
	tests := []struct {
		name        string
		absOffset   int64
		length      int64
		pieceLength int64
		want        Extent
	}{
		{"piece start", 0, 50, 100, Extent{Piece: 0, Start: 0, Length: 50}},
		{"mid piece", 150, 30, 100, Extent{Piece: 1, Start: 50, Length: 30}},
		{"clamped at boundary", 150, 100, 100, Extent{Piece: 1, Start: 50, Length: 50}},
		{"exact piece", 200, 100, 100, Extent{Piece: 2, Start: 0, Length: 100}},
		{"zero length", 999, 0, 100, Extent{Piece: 9, Start: 99, Length: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mapExtent(tt.absOffset, tt.length, tt.pieceLength))
		})
	}
}

func TestPriorityForDeadline(t *testing.T) {
	assert.Equal(t, torrent.PiecePriorityNow, priorityFor(highPriorityDeadline*10, true),
		"critical requests ignore the deadline value")
	assert.Equal(t, torrent.PiecePriorityHigh, priorityFor(highPriorityDeadline, false))
	assert.Equal(t, torrent.PiecePriorityReadahead, priorityFor(highPriorityDeadline+1, false))
}
