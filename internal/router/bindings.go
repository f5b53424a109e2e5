package router

import (
	"sync"

	"github.com/agentgw/agentgw/internal/channels"
	"github.com/agentgw/agentgw/internal/sessions"
)

// Binding routes inbound conversations to an agent. Specificity, most to
// least: thread, peer, channel-wide. Empty fields are wildcards.
type Binding struct {
	Channel string
	Account string
	Peer    string
	Thread  string

	AgentID   string
	EngineID  string
	QueueMode string // default queue mode for this conversation, "" = collect
}

// matches reports whether the binding applies to msg.
func (b Binding) matches(msg channels.InboundMessage) bool {
	if b.Channel != "" && b.Channel != msg.Channel {
		return false
	}
	if b.Account != "" && b.Account != msg.Account {
		return false
	}
	if b.Peer != "" && b.Peer != msg.Peer {
		return false
	}
	if b.Thread != "" && b.Thread != msg.Thread {
		return false
	}
	return true
}

// specificity orders candidate bindings; higher wins.
func (b Binding) specificity() int {
	s := 0
	if b.Channel != "" {
		s += 1
	}
	if b.Account != "" {
		s += 2
	}
	if b.Peer != "" {
		s += 4
	}
	if b.Thread != "" {
		s += 8
	}
	return s
}

// Bindings is the concurrency-safe binding table.
type Bindings struct {
	mu   sync.RWMutex
	list []Binding
}

// NewBindings builds a table from the configured bindings.
func NewBindings(list []Binding) *Bindings {
	return &Bindings{list: append([]Binding(nil), list...)}
}

// Add appends a binding at runtime.
func (bs *Bindings) Add(b Binding) {
	bs.mu.Lock()
	bs.list = append(bs.list, b)
	bs.mu.Unlock()
}

// Replace swaps the whole table, used on config reload.
func (bs *Bindings) Replace(list []Binding) {
	bs.mu.Lock()
	bs.list = append([]Binding(nil), list...)
	bs.mu.Unlock()
}

// Resolve picks the most specific binding matching msg. Without a match the
// default agent is returned.
func (bs *Bindings) Resolve(msg channels.InboundMessage) Binding {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	best := Binding{AgentID: sessions.DefaultAgentID}
	bestScore := -1
	for _, b := range bs.list {
		if !b.matches(msg) {
			continue
		}
		if score := b.specificity(); score > bestScore {
			best = b
			bestScore = score
		}
	}
	if best.AgentID == "" {
		best.AgentID = sessions.DefaultAgentID
	}
	return best
}
