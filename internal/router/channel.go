package router

import (
	"sync"

	"github.com/jmylchreest/tsdemux/internal/demux"
)

// Consumer receives what one channel outputs.
type Consumer interface {
	HandleEvent(ch *Channel, ev Event) bool
	HandlePacket(ch *Channel, p *demux.Packet) FlowReturn
}

// Channel is the output of one surfaced stream.
type Channel struct {
	name     string
	streamID string
	desc     *demux.StreamDescriptor

	mu       sync.Mutex
	consumer Consumer
	flushing bool
	eos      bool
	sticky   []Event
	packets  uint64
	bytes    uint64
}

func newChannel(name, streamID string, desc *demux.StreamDescriptor) *Channel {
	return &Channel{name: name, streamID: streamID, desc: desc}
}

// Name returns the channel name, e.g. "video_0".
func (c *Channel) Name() string {
	return c.name
}

// StreamID returns the unique stream identifier announced on stream-start.
func (c *Channel) StreamID() string {
	return c.streamID
}

// Descriptor returns the stream routed to the channel.
func (c *Channel) Descriptor() *demux.StreamDescriptor {
	return c.desc
}

// Link attaches a consumer and replays the sticky events stored so far.
func (c *Channel) Link(consumer Consumer) {
	c.mu.Lock()
	c.consumer = consumer
	sticky := append([]Event(nil), c.sticky...)
	c.mu.Unlock()

	for _, ev := range sticky {
		consumer.HandleEvent(c, ev)
	}
}

// Unlink detaches the consumer.
func (c *Channel) Unlink() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumer = nil
}

// IsLinked reports whether a consumer is attached.
func (c *Channel) IsLinked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumer != nil
}

// Stats returns the packets and bytes pushed successfully.
func (c *Channel) Stats() (packets, bytes uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packets, c.bytes
}

// Push hands a packet to the consumer.
func (c *Channel) Push(p *demux.Packet) FlowReturn {
	c.mu.Lock()
	switch {
	case c.flushing:
		c.mu.Unlock()
		return FlowFlushing
	case c.eos:
		c.mu.Unlock()
		return FlowEOS
	case c.consumer == nil:
		c.mu.Unlock()
		return FlowNotLinked
	}
	consumer := c.consumer
	c.mu.Unlock()

	ret := consumer.HandlePacket(c, p)
	if ret == FlowOK {
		c.mu.Lock()
		c.packets++
		c.bytes += uint64(len(p.Data))
		c.mu.Unlock()
	}
	return ret
}

// PushEvent hands an event to the consumer. Sticky events are stored for a
// consumer linked later; on an unlinked channel storing them counts as
// delivered.
func (c *Channel) PushEvent(ev Event) bool {
	c.mu.Lock()
	switch ev.Type {
	case EventFlushStart:
		c.flushing = true
	case EventFlushStop:
		c.flushing = false
		c.eos = false
		c.dropSticky(EventSegment)
	case EventEOS:
		c.eos = true
	case EventStreamStart:
		c.eos = false
		c.sticky = nil
	}
	if ev.Type.Sticky() {
		c.dropSticky(ev.Type)
		c.sticky = append(c.sticky, ev)
	}
	consumer := c.consumer
	c.mu.Unlock()

	if consumer == nil {
		return ev.Type.Sticky()
	}
	return consumer.HandleEvent(c, ev)
}

// dropSticky removes a stored event of type t. Caller holds mu.
func (c *Channel) dropSticky(t EventType) {
	kept := c.sticky[:0]
	for _, ev := range c.sticky {
		if ev.Type != t {
			kept = append(kept, ev)
		}
	}
	c.sticky = kept
}
