package store

import (
	"encoding/json"
	"time"

	"github.com/var-che/spacepanda/internal/crdt"
	"github.com/var-che/spacepanda/internal/identity"
)

// SpaceId identifies a space, the top-level container that owns
// channels.
type SpaceId [16]byte

// ChannelId identifies a channel within a space.
type ChannelId [16]byte

// MessageId identifies one append-only message record within a
// channel's log.
type MessageId [16]byte

// Emoji is a short reaction identifier, e.g. a unicode emoji or a
// custom-emoji shortcode.
type Emoji string

// Role is an LWW-registered per-user permission level within a space.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// reactionKey pairs an emoji with the user who applied it, the element
// type stored in a message's reaction OR-Set.
type reactionKey struct {
	Emoji  Emoji
	UserID identity.UserId
}

// Space is the top-level CRDT-backed aggregate: an LWW name/topic, an
// OR-Set of members, an OR-Set of channel ids, and an OR-Map of roles.
type Space struct {
	ID       SpaceId
	Name     crdt.LWWRegister[string]
	Topic    crdt.LWWRegister[string]
	Members  *crdt.ORSet[identity.UserId]
	Channels *crdt.ORSet[ChannelId]
	Roles    *crdt.ORMap[identity.UserId, crdt.LWWRegister[Role]]
}

// NewSpace creates an empty Space owned by creator.
func NewSpace(id SpaceId, name string, creator identity.UserId, nodeID string, now time.Time) *Space {
	s := &Space{
		ID:       id,
		Name:     crdt.NewLWWRegister(name, now, nodeID),
		Topic:    crdt.NewLWWRegister("", now, nodeID),
		Members:  crdt.NewORSet[identity.UserId](),
		Channels: crdt.NewORSet[ChannelId](),
		Roles:    crdt.NewORMap[identity.UserId, crdt.LWWRegister[Role]](),
	}
	s.Members.Add(creator, nodeID)
	s.Roles.Set(creator, crdt.NewLWWRegister(RoleOwner, now, nodeID))
	return s
}

// Merge merges other into a copy of s, field by field, and returns the
// result.
func (s *Space) Merge(other *Space) *Space {
	return &Space{
		ID:       s.ID,
		Name:     crdt.MergeLWW(s.Name, other.Name),
		Topic:    crdt.MergeLWW(s.Topic, other.Topic),
		Members:  s.Members.Merge(other.Members),
		Channels: s.Channels.Merge(other.Channels),
		Roles:    s.Roles.Merge(other.Roles),
	}
}

// Message is one append-only entry in a channel's message log. Once
// written it is immutable; edits are modeled as new messages with an
// edited_of reference at a higher layer, keeping the log itself
// append-only per the store's invariant.
type Message struct {
	ID        MessageId
	ChannelID ChannelId
	Author    identity.UserId
	Sender    identity.DeviceId
	Epoch     uint64
	Seq       uint64
	Plaintext []byte
	Timestamp time.Time
}

// Channel is a CRDT-backed aggregate nested under a Space: an LWW
// name/topic, an OR-Set of members, an append-only message log keyed
// by message id, and an OR-Map of per-message reaction sets.
type Channel struct {
	ID        ChannelId
	SpaceID   SpaceId
	Name      crdt.LWWRegister[string]
	Topic     crdt.LWWRegister[string]
	Members   *crdt.ORSet[identity.UserId]
	messages  map[MessageId]Message
	Reactions *crdt.ORMap[MessageId, *crdt.ORSet[reactionKey]]
}

// NewChannel creates an empty Channel within spaceID.
func NewChannel(id ChannelId, spaceID SpaceId, name string, nodeID string, now time.Time) *Channel {
	return &Channel{
		ID:        id,
		SpaceID:   spaceID,
		Name:      crdt.NewLWWRegister(name, now, nodeID),
		Topic:     crdt.NewLWWRegister("", now, nodeID),
		Members:   crdt.NewORSet[identity.UserId](),
		messages:  make(map[MessageId]Message),
		Reactions: crdt.NewORMap[MessageId, *crdt.ORSet[reactionKey]](),
	}
}

// AppendMessage adds msg to the channel's append-only log. A message id
// collision is a no-op - the log is append-only and idempotent under
// re-delivery of the same id.
func (c *Channel) AppendMessage(msg Message) {
	if _, exists := c.messages[msg.ID]; exists {
		return
	}
	c.messages[msg.ID] = msg
}

// Message returns the message stored at id, if any.
func (c *Channel) Message(id MessageId) (Message, bool) {
	m, ok := c.messages[id]
	return m, ok
}

// Messages returns every message in the channel's log, in no
// particular order; callers that need delivery order should sort by
// Timestamp or by (Epoch, Seq) within a sender.
func (c *Channel) Messages() []Message {
	out := make([]Message, 0, len(c.messages))
	for _, m := range c.messages {
		out = append(out, m)
	}
	return out
}

// React adds emoji from user against message id to the channel's
// reaction set.
func (c *Channel) React(id MessageId, emoji Emoji, user identity.UserId, nodeID string) {
	set, ok := c.Reactions.Get(id)
	if !ok {
		set = crdt.NewORSet[reactionKey]()
		c.Reactions.Set(id, set)
	}
	set.Add(reactionKey{Emoji: emoji, UserID: user}, nodeID)
}

// Merge merges other into a copy of c: the message log is unioned
// key-wise (append-only, idempotent), everything else merges via its
// own CRDT merge.
func (c *Channel) Merge(other *Channel) *Channel {
	merged := &Channel{
		ID:        c.ID,
		SpaceID:   c.SpaceID,
		Name:      crdt.MergeLWW(c.Name, other.Name),
		Topic:     crdt.MergeLWW(c.Topic, other.Topic),
		Members:   c.Members.Merge(other.Members),
		messages:  make(map[MessageId]Message, len(c.messages)+len(other.messages)),
		Reactions: c.Reactions.Merge(other.Reactions),
	}
	for id, m := range c.messages {
		merged.messages[id] = m
	}
	for id, m := range other.messages {
		if _, exists := merged.messages[id]; !exists {
			merged.messages[id] = m
		}
	}
	return merged
}

// channelWire mirrors Channel's exported shape plus its unexported
// message log, so snapshot persistence can round-trip the log without
// making it part of the public API other callers mutate directly.
type channelWire struct {
	ID        ChannelId
	SpaceID   SpaceId
	Name      crdt.LWWRegister[string]
	Topic     crdt.LWWRegister[string]
	Members   *crdt.ORSet[identity.UserId]
	Messages  map[MessageId]Message
	Reactions *crdt.ORMap[MessageId, *crdt.ORSet[reactionKey]]
}

// MarshalJSON includes the append-only message log alongside the
// channel's CRDT fields, for use by the façade's snapshot compaction.
func (c *Channel) MarshalJSON() ([]byte, error) {
	return json.Marshal(channelWire{
		ID:        c.ID,
		SpaceID:   c.SpaceID,
		Name:      c.Name,
		Topic:     c.Topic,
		Members:   c.Members,
		Messages:  c.messages,
		Reactions: c.Reactions,
	})
}

// UnmarshalJSON reconstructs a Channel from MarshalJSON's wire format.
func (c *Channel) UnmarshalJSON(data []byte) error {
	var wire channelWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	c.ID = wire.ID
	c.SpaceID = wire.SpaceID
	c.Name = wire.Name
	c.Topic = wire.Topic
	c.Members = wire.Members
	c.messages = wire.Messages
	if c.messages == nil {
		c.messages = make(map[MessageId]Message)
	}
	c.Reactions = wire.Reactions
	return nil
}
