package gateway

import (
	"encoding/json"

	"channelhub/internal/domain"
)

// Frame is the envelope of every websocket message in both directions.
type Frame struct {
	Type      string          `json:"type"`
	Ack       string          `json:"ack,omitempty"`
	ChannelID string          `json:"channelId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Inbound frame types.
const (
	TypeRegister        = "register"
	TypeJoinChannel     = "join_channel"
	TypeLeaveChannel    = "leave_channel"
	TypeMessage         = "message"
	TypeShareData       = "share_data"
	TypeGetData         = "get_data"
	TypeBotStateUpdated = "bot_state_updated"
	TypeStartChannel    = "start_channel"
	TypeStopChannel     = "stop_channel"
	TypeListBots        = "list_bots"
	TypePing            = "ping"
)

// Reply and direct frame types.
const (
	TypeAck          = "ack"
	TypeError        = "error"
	TypeChannelState = "channel_state"
	TypePong         = "pong"
)

// RegisterPayload is the data of a register frame.
type RegisterPayload struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Type         domain.ParticipantKind `json:"type"`
	WindowHandle string                 `json:"windowHandle,omitempty"`
	CommandSet   []string               `json:"commandSet,omitempty"`
}

// MessagePayload is the data of a message frame.
type MessagePayload struct {
	Content string `json:"content"`
}

// ShareDataPayload is the data of a share_data frame. Images travel as
// base64 data URIs; anything else is stored as text.
type ShareDataPayload struct {
	Content string `json:"content"`
	Type    string `json:"type"`
}

// GetDataPayload is the data of a get_data frame.
type GetDataPayload struct {
	ID string `json:"id"`
}

// DataResult is the reply to get_data.
type DataResult struct {
	Found     bool   `json:"found"`
	ID        string `json:"id,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
	Type      string `json:"type,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
	Content   string `json:"content,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

// BotStatePayload is the data of a bot_state_updated frame, inbound and
// outbound.
type BotStatePayload struct {
	ID        string          `json:"id"`
	State     json.RawMessage `json:"state"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// BotInfo is one entry of the list_bots reply.
type BotInfo struct {
	domain.Participant
	State json.RawMessage `json:"state,omitempty"`
}

// Availability is the payload of participant_available and
// participant_unavailable.
type Availability struct {
	ParticipantID string                 `json:"participantId"`
	Name          string                 `json:"name"`
	Type          domain.ParticipantKind `json:"type"`
	Timestamp     int64                  `json:"timestamp"`
}

func decodeData(f Frame, v any) error {
	if len(f.Data) == 0 {
		return &domain.ValidationError{Field: "data", Reason: "required"}
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return &domain.ValidationError{Field: "data", Reason: err.Error()}
	}
	return nil
}

func requireChannel(f Frame) error {
	if f.ChannelID == "" {
		return &domain.ValidationError{Field: "channelId", Reason: "required"}
	}
	return nil
}
