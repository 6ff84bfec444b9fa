package arbor

import (
	"strings"
	"time"
)

// coalescer collapses inbound message bursts into a single turn. A turn
// fires once the debounce window passes without a new message, or once
// max-wait elapses from the first buffered message, whichever comes first.
type coalescer struct {
	cfg     CoalesceConfig
	pending []InboundMessage
	firstAt time.Time
}

func newCoalescer(cfg CoalesceConfig) *coalescer {
	return &coalescer{cfg: cfg}
}

// add buffers a message and returns the duration to wait before flushing.
// With coalescing disabled the wait is zero.
func (c *coalescer) add(msg InboundMessage) time.Duration {
	if len(c.pending) == 0 {
		c.firstAt = time.Now()
	}
	c.pending = append(c.pending, msg)

	if !c.cfg.Enabled {
		return 0
	}

	debounce := time.Duration(c.cfg.DebounceMS) * time.Millisecond
	maxWait := time.Duration(c.cfg.MaxWaitMS) * time.Millisecond
	remaining := maxWait - time.Since(c.firstAt)
	if remaining < debounce {
		if remaining < 0 {
			return 0
		}
		return remaining
	}
	return debounce
}

// flush drains the buffer, merging buffered messages into one. The merged
// message keeps the first message's identity and metadata; bodies join
// with newlines, attributed when senders differ.
func (c *coalescer) flush() (InboundMessage, bool) {
	if len(c.pending) == 0 {
		return InboundMessage{}, false
	}
	merged := c.pending[0]
	if len(c.pending) > 1 {
		multiSender := false
		for _, m := range c.pending[1:] {
			if m.SenderID != merged.SenderID {
				multiSender = true
				break
			}
		}
		var parts []string
		for _, m := range c.pending {
			text := m.Content.DisplayText()
			if multiSender && m.FormattedAuthor != "" {
				text = m.FormattedAuthor + ": " + text
			}
			parts = append(parts, text)
		}
		merged.Content = TextContent(strings.Join(parts, "\n"))
	}
	c.pending = nil
	return merged, true
}

// empty reports whether nothing is buffered.
func (c *coalescer) empty() bool {
	return len(c.pending) == 0
}
