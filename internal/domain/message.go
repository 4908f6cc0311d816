package domain

// Message is an enriched chat message. It is immutable once built except for
// Status, which a correlated response may update later.
type Message struct {
	ID              string          `json:"id"`
	ChannelID       string          `json:"channelId"`
	SenderID        string          `json:"senderId"`
	SenderName      string          `json:"senderName"`
	SenderType      ParticipantKind `json:"senderType"`
	Content         string          `json:"content"`
	Tags            []string        `json:"tags"`
	DataID          string          `json:"dataId,omitempty"`
	RequestID       string          `json:"requestId,omitempty"`
	ParentRequestID string          `json:"parentRequestId,omitempty"`
	Status          string          `json:"status,omitempty"`
	Timestamp       int64           `json:"timestamp"` // unix milliseconds
}

// Correlated reports whether the message takes part in a request/response
// exchange and therefore must be persisted.
func (m Message) Correlated() bool {
	return m.RequestID != "" || m.ParentRequestID != ""
}

// DataBlob is content shared into a channel and fetched later by id.
// Images are kept as decoded bytes with their mime type; text is kept as-is.
type DataBlob struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId,omitempty"`
	Type      string `json:"type"`
	MimeType  string `json:"mimeType,omitempty"`
	Content   []byte `json:"-"`
	CreatedAt int64  `json:"createdAt"` // unix milliseconds
}
