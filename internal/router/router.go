package router

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/tsdemux/internal/demux"
)

// Router errors.
var (
	ErrNoChannel     = errors.New("no such channel")
	ErrNoDescriptor  = errors.New("packet has no stream")
	ErrChannelExists = errors.New("channel already exists")
)

// LinkFunc is called for every new channel once its stream-start and caps
// were pushed, so the caller can link a consumer.
type LinkFunc func(ch *Channel)

// Router owns the output channels of one demuxer instance.
type Router struct {
	id string

	mu        sync.Mutex
	groupID   uint32
	channels  []*Channel
	combiner  *FlowCombiner
	onChannel LinkFunc

	logger *slog.Logger
}

// NewRouter creates a router with a no-op logger.
func NewRouter() *Router {
	return NewRouterWithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// NewRouterWithLogger creates a router with a custom logger.
func NewRouterWithLogger(logger *slog.Logger) *Router {
	id := ulid.Make().String()
	return &Router{
		id:       id,
		groupID:  uuid.New().ID(),
		combiner: NewFlowCombiner(),
		logger:   logger.With(slog.String("component", "router"), slog.String("router_id", id)),
	}
}

// ID returns the instance identifier used as stream id prefix.
func (r *Router) ID() string {
	return r.id
}

// GroupID returns the group id announced on stream-start.
func (r *Router) GroupID() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.groupID
}

// NewGroup starts a new stream group. Channels created afterwards announce
// the new group id.
func (r *Router) NewGroup() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groupID = uuid.New().ID()
	return r.groupID
}

// OnChannel registers the hook called for every new channel.
func (r *Router) OnChannel(fn LinkFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChannel = fn
}

// StreamAdded creates the channel of a newly surfaced stream.
func (r *Router) StreamAdded(d *demux.StreamDescriptor) {
	if _, err := r.CreateChannel(d); err != nil {
		r.logger.Warn("creating channel failed", slog.String("stream", d.Name()), slog.String("error", err.Error()))
	}
}

// CreateChannel allocates the channel for d, announces stream-start, caps
// and tags on it and calls the link hook. A descriptor that already has a
// channel gets it back.
func (r *Router) CreateChannel(d *demux.StreamDescriptor) (*Channel, error) {
	r.mu.Lock()
	if ch, ok := d.Channel.(*Channel); ok && ch != nil {
		r.mu.Unlock()
		return ch, nil
	}
	name := d.Name()
	if slices.ContainsFunc(r.channels, func(c *Channel) bool { return c.name == name }) {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrChannelExists, name)
	}

	ch := newChannel(name, fmt.Sprintf("%s/%03d", r.id, d.Index), d)
	d.Channel = ch
	r.channels = append(r.channels, ch)
	r.combiner.Add(ch)
	groupID := r.groupID
	hook := r.onChannel
	r.mu.Unlock()

	ch.PushEvent(NewStreamStartEvent(ch.streamID, groupID))
	ch.PushEvent(NewCapsEvent(d.Caps))
	if len(d.Tags) > 0 {
		ch.PushEvent(NewTagEvent(d.Tags))
	}

	r.logger.Debug("channel created",
		slog.String("channel", name),
		slog.String("stream_id", ch.streamID),
		slog.String("caps", d.Caps.String()))

	if hook != nil {
		hook(ch)
	}
	return ch, nil
}

// RemoveChannel unregisters ch and detaches it from its descriptor.
func (r *Router) RemoveChannel(ch *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(ch)
}

func (r *Router) removeLocked(ch *Channel) {
	i := slices.Index(r.channels, ch)
	if i < 0 {
		return
	}
	r.channels = slices.Delete(r.channels, i, i+1)
	r.combiner.Remove(ch)
	if ch.desc != nil && ch.desc.Channel == ch {
		ch.desc.Channel = nil
	}
	ch.Unlink()
}

// RemoveAll unregisters every channel.
func (r *Router) RemoveAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.channels) > 0 {
		r.removeLocked(r.channels[len(r.channels)-1])
	}
	r.combiner.Clear()
}

// Channels returns the channels in creation order.
func (r *Router) Channels() []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.channels)
}

// Channel returns the channel called name.
func (r *Router) Channel(name string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.channels {
		if ch.name == name {
			return ch, true
		}
	}
	return nil, false
}

// Link attaches consumer to the channel called name.
func (r *Router) Link(name string, consumer Consumer) error {
	ch, ok := r.Channel(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoChannel, name)
	}
	ch.Link(consumer)
	return nil
}

// Dispatch pushes p to the channel of its stream, creating the channel on
// first use, and returns the combined verdict of all channels.
func (r *Router) Dispatch(p *demux.Packet) (FlowReturn, error) {
	if p == nil || p.Stream == nil {
		return FlowError, ErrNoDescriptor
	}
	ch, err := r.CreateChannel(p.Stream)
	if err != nil {
		return FlowError, err
	}
	ret := ch.Push(p)
	combined := r.combiner.Update(ch, ret)
	if ret != FlowOK {
		r.logger.Debug("push not ok",
			slog.String("channel", ch.name),
			slog.String("flow", ret.String()),
			slog.String("combined", combined.String()))
	}
	return combined, nil
}

// Broadcast sends ev to every channel. It reports whether every channel
// accepted it.
func (r *Router) Broadcast(ev Event) bool {
	ok := true
	for _, ch := range r.Channels() {
		if !ch.PushEvent(ev) {
			r.logger.Debug("event not handled",
				slog.String("channel", ch.name),
				slog.String("event", ev.Type.String()))
			ok = false
		}
	}
	return ok
}

// ResetFlows marks every channel ok again, typically after a flush.
func (r *Router) ResetFlows() {
	r.combiner.Reset()
}

// Flow returns the current combined verdict.
func (r *Router) Flow() FlowReturn {
	return r.combiner.Current()
}
