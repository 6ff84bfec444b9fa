package arbor

import (
	"fmt"
	"strings"
)

// LinkDirection is the direction policy for an agent link.
type LinkDirection string

const (
	// LinkOneWay: from_agent can message to_agent, but not vice versa.
	LinkOneWay LinkDirection = "one_way"
	// LinkTwoWay: both agents can message each other through this link.
	LinkTwoWay LinkDirection = "two_way"
)

// LinkKind is the relationship a link encodes.
type LinkKind string

const (
	// LinkHierarchical: from is above to in the org — from manages to.
	LinkHierarchical LinkKind = "hierarchical"
	// LinkPeer: both nodes are at the same level.
	LinkPeer LinkKind = "peer"
)

// AgentLink is a directed edge in the agent communication graph. For
// hierarchical links, From is the superior and To the subordinate; for
// peer links the ordering is arbitrary.
type AgentLink struct {
	FromAgentID AgentID       `json:"from_agent_id"`
	ToAgentID   AgentID       `json:"to_agent_id"`
	Direction   LinkDirection `json:"direction"`
	Kind        LinkKind      `json:"kind"`
}

// ChannelIDFor returns the per-agent link channel ID. Each side of the
// link gets its own channel: "link:{agent_id}:{peer_id}".
func (l AgentLink) ChannelIDFor(agentID AgentID) ChannelID {
	peer := l.ToAgentID
	if l.ToAgentID == agentID {
		peer = l.FromAgentID
	}
	return fmt.Sprintf("link:%s:%s", agentID, peer)
}

// Involves reports whether the link connects the two given agents,
// in either direction.
func (l AgentLink) Involves(a, b AgentID) bool {
	return (l.FromAgentID == a && l.ToAgentID == b) ||
		(l.FromAgentID == b && l.ToAgentID == a)
}

// FindLinkBetween returns the link connecting two agents, if any.
func FindLinkBetween(links []AgentLink, a, b AgentID) (AgentLink, bool) {
	for _, l := range links {
		if l.Involves(a, b) {
			return l, true
		}
	}
	return AgentLink{}, false
}

// ParseLinkChannel splits a "link:{self}:{peer}" channel ID. ok is false
// when the ID is not a link channel or self does not match.
func ParseLinkChannel(id ChannelID, self AgentID) (peer AgentID, ok bool) {
	rest, found := strings.CutPrefix(id, "link:")
	if !found {
		return "", false
	}
	selfPart, peerPart, found := strings.Cut(rest, ":")
	if !found || selfPart != self {
		return "", false
	}
	return peerPart, true
}

// ResolveAgentID resolves a target string against a map of agent IDs to
// display names. Accepts an exact ID or a case-insensitive display name.
func ResolveAgentID(names map[AgentID]string, target string) (AgentID, bool) {
	if _, ok := names[target]; ok {
		return target, true
	}
	lower := strings.ToLower(target)
	for id, name := range names {
		if strings.ToLower(name) == lower {
			return id, true
		}
	}
	return "", false
}
