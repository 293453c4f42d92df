// Package router fans packets and events out to per-stream output channels
// and folds their statuses into one flow verdict.
package router

import (
	"sync"
)

// FlowReturn is the status of a push into a channel.
type FlowReturn int

const (
	FlowOK FlowReturn = iota
	FlowNotLinked
	FlowFlushing
	FlowEOS
	FlowNotNegotiated
	FlowError
)

func (f FlowReturn) String() string {
	switch f {
	case FlowOK:
		return "ok"
	case FlowNotLinked:
		return "not-linked"
	case FlowFlushing:
		return "flushing"
	case FlowEOS:
		return "eos"
	case FlowNotNegotiated:
		return "not-negotiated"
	case FlowError:
		return "error"
	default:
		return "unknown"
	}
}

// IsFatal reports whether the status should stop the driving loop with an
// error.
func (f FlowReturn) IsFatal() bool {
	return f == FlowNotNegotiated || f == FlowError
}

// Combine folds per-channel statuses into one verdict:
//   - every channel not linked (or none at all): not-linked
//   - any channel ok: ok
//   - any channel flushing: flushing
//   - the remaining statuses all agree: that status
//   - otherwise: error
//
// The result does not depend on the order of statuses.
func Combine(statuses []FlowReturn) FlowReturn {
	allNotLinked := true
	anyFlushing := false
	shared := FlowNotLinked
	disagree := false

	for _, s := range statuses {
		switch s {
		case FlowOK:
			return FlowOK
		case FlowNotLinked:
			continue
		case FlowFlushing:
			anyFlushing = true
		}
		allNotLinked = false
		if shared == FlowNotLinked {
			shared = s
		} else if shared != s {
			disagree = true
		}
	}

	switch {
	case allNotLinked:
		return FlowNotLinked
	case anyFlushing:
		return FlowFlushing
	case disagree:
		return FlowError
	default:
		return shared
	}
}

// FlowCombiner tracks the last status of every channel.
type FlowCombiner struct {
	mu   sync.Mutex
	last map[*Channel]FlowReturn
}

// NewFlowCombiner creates an empty combiner.
func NewFlowCombiner() *FlowCombiner {
	return &FlowCombiner{last: make(map[*Channel]FlowReturn)}
}

// Add starts tracking ch with an ok status.
func (c *FlowCombiner) Add(ch *Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[ch] = FlowOK
}

// Remove stops tracking ch.
func (c *FlowCombiner) Remove(ch *Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.last, ch)
}

// Clear stops tracking every channel.
func (c *FlowCombiner) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.last)
}

// Update records ret for ch and returns the combined verdict.
func (c *FlowCombiner) Update(ch *Channel, ret FlowReturn) FlowReturn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.last[ch]; ok {
		c.last[ch] = ret
	}
	return c.combineLocked()
}

// Reset marks every tracked channel ok again.
func (c *FlowCombiner) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.last {
		c.last[ch] = FlowOK
	}
}

// Current returns the combined verdict without recording anything.
func (c *FlowCombiner) Current() FlowReturn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.combineLocked()
}

func (c *FlowCombiner) combineLocked() FlowReturn {
	statuses := make([]FlowReturn, 0, len(c.last))
	for _, s := range c.last {
		statuses = append(statuses, s)
	}
	return Combine(statuses)
}
