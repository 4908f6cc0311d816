// Package enrich turns raw chat text into structured message records.
//
// Enrichment is pure: it extracts @mentions as tags and reads bracketed
// directives such as [data_id: abc], [requestId: r1], [parentRequestId: r0]
// and [status: "done"]. Malformed directives are ignored rather than reported.
package enrich

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"channelhub/internal/domain"

	"github.com/google/uuid"
)

// Result holds everything Enrich extracts from a message body.
type Result struct {
	Tags            []string `json:"tags"`
	DataID          string   `json:"dataId,omitempty"`
	RequestID       string   `json:"requestId,omitempty"`
	ParentRequestID string   `json:"parentRequestId,omitempty"`
	Status          string   `json:"status,omitempty"`
}

var (
	mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_]+)`)

	// Each directive value stops at the first closing bracket so a directive
	// never swallows text outside its own brackets.
	dataIDPattern          = directive(`data_id`)
	requestIDPattern       = directive(`requestId`)
	parentRequestIDPattern = directive(`parentRequestId`)
	statusPattern          = directive(`status`)
)

func directive(key string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\[\s*` + key + `\s*:\s*([^\]\[]*)\]`)
}

// Enrich extracts tags and directives from content.
func Enrich(content string) Result {
	res := Result{Tags: Tags(content)}
	res.DataID = firstDirective(dataIDPattern, content)
	res.RequestID = firstDirective(requestIDPattern, content)
	res.ParentRequestID = firstDirective(parentRequestIDPattern, content)
	res.Status = strings.ToLower(firstDirective(statusPattern, content))
	return res
}

// Tags returns every @mention in order of appearance, duplicates included.
func Tags(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	tags := make([]string, 0, len(matches))
	for _, m := range matches {
		tags = append(tags, m[1])
	}
	return tags
}

func firstDirective(re *regexp.Regexp, content string) string {
	for _, m := range re.FindAllStringSubmatch(content, -1) {
		if v := cleanValue(m[1]); v != "" {
			return v
		}
	}
	return ""
}

// cleanValue trims whitespace and one layer of matching quotes.
func cleanValue(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 {
		first, last := v[0], v[len(v)-1]
		if (first == '"' || first == '\'') && first == last {
			v = strings.TrimSpace(v[1 : len(v)-1])
		}
	}
	return v
}

// NewID returns a message id made of the current unix millisecond time and
// 48 random bits.
func NewID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return "msg_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + suffix
}

// NewMessage builds an enriched message from a sender and raw content.
func NewMessage(channelID string, sender domain.Participant, content string) domain.Message {
	return NewMessageAt(channelID, sender, content, time.Now())
}

// NewMessageAt is NewMessage with an explicit clock reading.
func NewMessageAt(channelID string, sender domain.Participant, content string, at time.Time) domain.Message {
	res := Enrich(content)
	return domain.Message{
		ID:              NewID(at),
		ChannelID:       channelID,
		SenderID:        sender.ID,
		SenderName:      sender.DisplayName,
		SenderType:      sender.Kind,
		Content:         content,
		Tags:            res.Tags,
		DataID:          res.DataID,
		RequestID:       res.RequestID,
		ParentRequestID: res.ParentRequestID,
		Status:          res.Status,
		Timestamp:       at.UnixMilli(),
	}
}
