package registry

import "channelhub/internal/domain"

// ParticipantJoined is the payload of a participant_joined event.
type ParticipantJoined struct {
	ChannelID     string                 `json:"channelId"`
	ParticipantID string                 `json:"participantId"`
	Name          string                 `json:"name"`
	Type          domain.ParticipantKind `json:"type"`
	WindowHandle  string                 `json:"windowHandle,omitempty"`
	CommandSet    []string               `json:"commandSet,omitempty"`
	Timestamp     int64                  `json:"timestamp"`
}

// ParticipantLeft is the payload of a participant_left event.
type ParticipantLeft struct {
	ChannelID     string `json:"channelId"`
	ParticipantID string `json:"participantId"`
	Name          string `json:"name"`
	Timestamp     int64  `json:"timestamp"`
}

// ChannelLifecycle is the payload of channel_started and channel_stopped.
type ChannelLifecycle struct {
	ChannelID string `json:"channelId"`
	Timestamp int64  `json:"timestamp"`
}
