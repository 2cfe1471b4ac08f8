package app

import (
	"sync"
	"time"

	"github.com/ergashev/TeleComfy/internal/transport"
)

// albumSettleDelay is how long an album waits for its remaining items.
// Telegram delivers album photos as separate messages in quick succession.
const albumSettleDelay = 800 * time.Millisecond

// albumCollector merges messages sharing an AlbumID into one submission.
// Each new item restarts the settle timer; the merged message is flushed
// once the album goes quiet.
type albumCollector struct {
	mu      sync.Mutex
	delay   time.Duration
	pending map[string]*pendingAlbum
	flush   func(*transport.Message)
}

type pendingAlbum struct {
	msg   *transport.Message
	timer *time.Timer
}

func newAlbumCollector(delay time.Duration, flush func(*transport.Message)) *albumCollector {
	return &albumCollector{
		delay:   delay,
		pending: map[string]*pendingAlbum{},
		flush:   flush,
	}
}

func (c *albumCollector) Add(m *transport.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[m.AlbumID]
	if !ok {
		cp := *m
		cp.Attachments = append([]transport.Attachment(nil), m.Attachments...)
		p = &pendingAlbum{msg: &cp}
		c.pending[m.AlbumID] = p
	} else {
		p.msg.Attachments = append(p.msg.Attachments, m.Attachments...)
		// The caption usually rides on one item only.
		if p.msg.Text == "" {
			p.msg.Text = m.Text
		}
		if p.msg.Caption == "" {
			p.msg.Caption = m.Caption
		}
		p.timer.Stop()
	}

	id := m.AlbumID
	p.timer = time.AfterFunc(c.delay, func() { c.fire(id) })
}

func (c *albumCollector) fire(id string) {
	c.mu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		c.flush(p.msg)
	}
}
