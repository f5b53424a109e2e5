// Package sessions — session key builder and parser.
//
// Session keys follow the canonical gateway format:
//
//	channel_peer:{channel}:{account}:{kind}:{peer}[:{thread}]
//	agent_main:{agentId}
//
// Where {kind} is "dm", "group" or "channel".
//
// Examples:
//
//	channel_peer:telegram:bot1:dm:386246614
//	channel_peer:telegram:bot1:group:-100123456:99
//	channel_peer:sms:twilio0:dm:+14155550123
//	agent_main:default
//
// A key is the authoritative routing identity of a conversation; equality is
// byte-equality on the canonical string. Parsing never fails — strings that
// match neither shape parse to KindOpaque with the raw value preserved.
package sessions

import (
	"fmt"
	"strings"
)

// Kind is the recognized shape of a session key.
type Kind string

const (
	KindChannelPeer Kind = "channel_peer"
	KindAgentMain   Kind = "agent_main"
	KindOpaque      Kind = "opaque"
)

// PeerKind distinguishes DMs, groups and broadcast channels.
type PeerKind string

const (
	PeerDM      PeerKind = "dm"
	PeerGroup   PeerKind = "group"
	PeerChannel PeerKind = "channel"
)

// DefaultAgentID is the routing target when a key carries no agent.
const DefaultAgentID = "default"

// Parsed is the decomposed form of a session key.
type Parsed struct {
	Kind      Kind
	ChannelID string
	AccountID string
	PeerKind  PeerKind
	PeerID    string
	ThreadID  string
	AgentID   string
	Raw       string
}

// MakeChannelPeer builds the canonical key for a channel conversation.
// thread is optional; pass "" for non-threaded peers.
func MakeChannelPeer(channel, account string, kind PeerKind, peer, thread string) string {
	if thread != "" {
		return fmt.Sprintf("channel_peer:%s:%s:%s:%s:%s", channel, account, kind, peer, thread)
	}
	return fmt.Sprintf("channel_peer:%s:%s:%s:%s", channel, account, kind, peer)
}

// MakeAgentMain builds the standalone (non-channel) key for an agent.
func MakeAgentMain(agentID string) string {
	if agentID == "" {
		agentID = DefaultAgentID
	}
	return "agent_main:" + agentID
}

// Parse decomposes a session key. It never fails: unrecognized shapes return
// Kind == KindOpaque with Raw set to the input.
func Parse(key string) Parsed {
	switch {
	case strings.HasPrefix(key, "channel_peer:"):
		parts := strings.Split(key[len("channel_peer:"):], ":")
		if len(parts) < 4 || len(parts) > 5 {
			return Parsed{Kind: KindOpaque, Raw: key}
		}
		pk := PeerKind(parts[2])
		if pk != PeerDM && pk != PeerGroup && pk != PeerChannel {
			return Parsed{Kind: KindOpaque, Raw: key}
		}
		p := Parsed{
			Kind:      KindChannelPeer,
			ChannelID: parts[0],
			AccountID: parts[1],
			PeerKind:  pk,
			PeerID:    parts[3],
			Raw:       key,
		}
		if len(parts) == 5 {
			p.ThreadID = parts[4]
		}
		if p.ChannelID == "" || p.AccountID == "" || p.PeerID == "" {
			return Parsed{Kind: KindOpaque, Raw: key}
		}
		return p

	case strings.HasPrefix(key, "agent_main:"):
		agentID := key[len("agent_main:"):]
		if agentID == "" || strings.Contains(agentID, ":") {
			return Parsed{Kind: KindOpaque, Raw: key}
		}
		return Parsed{Kind: KindAgentMain, AgentID: agentID, Raw: key}

	default:
		return Parsed{Kind: KindOpaque, Raw: key}
	}
}

// AgentID returns the agent for agent_main keys and DefaultAgentID for
// everything else (channel_peer keys route through the binding table).
func AgentID(key string) string {
	p := Parse(key)
	if p.Kind == KindAgentMain {
		return p.AgentID
	}
	return DefaultAgentID
}

// Valid reports whether the key parses to a recognized shape.
func Valid(key string) bool {
	return Parse(key).Kind != KindOpaque
}

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDM otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDM
}
