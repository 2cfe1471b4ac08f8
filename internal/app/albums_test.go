package app

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ergashev/TeleComfy/internal/transport"
)

func TestAlbumCollectorMergesItems(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var flushed []*transport.Message
	done := make(chan struct{}, 1)

	c := newAlbumCollector(30*time.Millisecond, func(m *transport.Message) {
		mu.Lock()
		flushed = append(flushed, m)
		mu.Unlock()
		done <- struct{}{}
	})

	c.Add(&transport.Message{AlbumID: "alb1", ChatID: 1, FromID: 7, Attachments: []transport.Attachment{{FileID: "a"}}})
	c.Add(&transport.Message{AlbumID: "alb1", ChatID: 1, FromID: 7, Caption: "restyle these", Attachments: []transport.Attachment{{FileID: "b"}}})
	c.Add(&transport.Message{AlbumID: "alb1", ChatID: 1, FromID: 7, Attachments: []transport.Attachment{{FileID: "c"}}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("album never flushed")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushed, 1)
	m := flushed[0]
	assert.Equal(t, "restyle these", m.Caption)
	require.Len(t, m.Attachments, 3)
	assert.Equal(t, "a", m.Attachments[0].FileID)
	assert.Equal(t, "c", m.Attachments[2].FileID)
}

func TestAlbumCollectorSeparatesAlbums(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	count := map[string]int{}
	done := make(chan struct{}, 2)

	c := newAlbumCollector(20*time.Millisecond, func(m *transport.Message) {
		mu.Lock()
		count[m.AlbumID] += len(m.Attachments)
		mu.Unlock()
		done <- struct{}{}
	})

	c.Add(&transport.Message{AlbumID: "x", Attachments: []transport.Attachment{{FileID: "x1"}}})
	c.Add(&transport.Message{AlbumID: "y", Attachments: []transport.Attachment{{FileID: "y1"}}})
	c.Add(&transport.Message{AlbumID: "x", Attachments: []transport.Attachment{{FileID: "x2"}}})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("albums never flushed")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count["x"])
	assert.Equal(t, 1, count["y"])
}

func TestPlaceholderText(t *testing.T) {
	t.Parallel()
	assert.Contains(t, placeholderText(true, nil), "Queued")
	assert.Contains(t, placeholderText(false, nil), "Generating")
	withWarn := placeholderText(false, []string{"width adjusted to 1536x1536"})
	assert.Contains(t, withWarn, "width adjusted")
}
