package domain

import "time"

// ParticipantKind distinguishes human operators from automated agents.
type ParticipantKind string

const (
	KindHuman  ParticipantKind = "human"
	KindAgent  ParticipantKind = "agent"
	KindSystem ParticipantKind = "system"
)

// Valid reports whether k is one of the known participant kinds.
func (k ParticipantKind) Valid() bool {
	switch k {
	case KindHuman, KindAgent, KindSystem:
		return true
	}
	return false
}

// Participant is a member of a channel. ID is the connection's stable
// external identifier: a registered bot id or an ephemeral connection id.
type Participant struct {
	ID           string          `json:"id"`
	DisplayName  string          `json:"name"`
	Kind         ParticipantKind `json:"type"`
	WindowHandle string          `json:"windowHandle,omitempty"`
	CommandSet   []string        `json:"commandSet,omitempty"`
	JoinedAt     time.Time       `json:"joinedAt"`
	LastActiveAt time.Time       `json:"lastActiveAt"`
}

// Channel is a point-in-time copy of a channel's state.
type Channel struct {
	ID           string        `json:"channelId"`
	Active       bool          `json:"active"`
	Participants []Participant `json:"participants"`
	Messages     []Message     `json:"messages"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// ChannelSummary is the lightweight listing form of a channel.
type ChannelSummary struct {
	ID           string `json:"channelId"`
	Active       bool   `json:"active"`
	Participants int    `json:"participants"`
	Messages     int    `json:"messages"`
}
