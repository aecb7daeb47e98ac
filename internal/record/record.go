// ABOUTME: On-disk shape of a Conversation record and its embedded Messages
// ABOUTME: JSON field names are the persisted contract shared by every storage engine

package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRecord is returned when a record violates the collection invariants.
var ErrInvalidRecord = errors.New("invalid record")

// Key paths into the encoded document. These must match the json tags below.
const (
	KeyPathID            = "id"
	KeyPathName          = "name"
	KeyPathLastMessageTS = "lastMessage.timestamp"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Valid reports whether s is one of the known delivery states.
func (s Status) Valid() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead:
		return true
	}
	return false
}

// User is the sender snapshot embedded in every message.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Phone  string `json:"phone,omitempty"`
}

// TimestampLayout is the stored form of message timestamps. It is fixed width
// so the text ordering of the timestamp index matches time ordering.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Message is embedded in a Conversation and is not independently addressable.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Sender    User      `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
}

// MarshalJSON writes Timestamp in UTC using TimestampLayout.
func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	return json.Marshal(struct {
		plain
		Timestamp string `json:"timestamp"`
	}{
		plain:     plain(m),
		Timestamp: m.Timestamp.UTC().Format(TimestampLayout),
	})
}

// Equal compares two messages field by field, using time.Equal for timestamps.
func (m Message) Equal(o Message) bool {
	return m.ID == o.ID &&
		m.Content == o.Content &&
		m.Sender == o.Sender &&
		m.Timestamp.Equal(o.Timestamp) &&
		m.Status == o.Status
}

// Conversation is the persisted unit, keyed by ID.
type Conversation struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Avatar          string    `json:"avatar,omitempty"`
	Participants    []string  `json:"participants,omitempty"`
	LastMessage     *Message  `json:"lastMessage,omitempty"`
	LastMessageDate string    `json:"lastMessageDate,omitempty"`
	Preview         string    `json:"preview,omitempty"`
	Messages        []Message `json:"messages"`
	UnreadCount     int       `json:"unreadCount,omitempty"`
	Tags            []string  `json:"tags"`
	Phone           string    `json:"phone,omitempty"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (c Conversation) Clone() Conversation {
	out := c
	if c.Participants != nil {
		out.Participants = append([]string(nil), c.Participants...)
	}
	if c.Messages != nil {
		out.Messages = append([]Message(nil), c.Messages...)
	}
	if c.Tags != nil {
		out.Tags = append([]string(nil), c.Tags...)
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}

// HasTag reports tag membership.
func (c Conversation) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Normalize returns a copy with empty slices instead of nil, de-duplicated tags,
// UTC timestamps, and lastMessage derived from the final message when unset.
func Normalize(c Conversation) Conversation {
	out := c.Clone()

	if out.Messages == nil {
		out.Messages = []Message{}
	}
	for i := range out.Messages {
		out.Messages[i].Timestamp = out.Messages[i].Timestamp.UTC()
	}

	tags := make([]string, 0, len(out.Tags))
	seen := make(map[string]struct{}, len(out.Tags))
	for _, t := range out.Tags {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		tags = append(tags, t)
	}
	out.Tags = tags

	if out.LastMessage != nil {
		out.LastMessage.Timestamp = out.LastMessage.Timestamp.UTC()
	} else if n := len(out.Messages); n > 0 {
		lm := out.Messages[n-1]
		out.LastMessage = &lm
	}

	return out
}

// Validate checks the invariants every stored Conversation must satisfy.
func Validate(c Conversation) error {
	if c.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRecord)
	}
	if c.UnreadCount < 0 {
		return fmt.Errorf("%w: conversation %q: negative unread count", ErrInvalidRecord, c.ID)
	}

	ids := make(map[string]struct{}, len(c.Messages))
	for i, m := range c.Messages {
		if m.ID == "" {
			return fmt.Errorf("%w: conversation %q: message %d has empty id", ErrInvalidRecord, c.ID, i)
		}
		if _, dup := ids[m.ID]; dup {
			return fmt.Errorf("%w: conversation %q: duplicate message id %q", ErrInvalidRecord, c.ID, m.ID)
		}
		ids[m.ID] = struct{}{}
		if !m.Status.Valid() {
			return fmt.Errorf("%w: conversation %q: message %q has status %q", ErrInvalidRecord, c.ID, m.ID, m.Status)
		}
	}

	if c.LastMessage != nil {
		if !c.LastMessage.Status.Valid() {
			return fmt.Errorf("%w: conversation %q: last message has status %q", ErrInvalidRecord, c.ID, c.LastMessage.Status)
		}
		if n := len(c.Messages); n > 0 && !c.LastMessage.Equal(c.Messages[n-1]) {
			return fmt.Errorf("%w: conversation %q: lastMessage does not match final message", ErrInvalidRecord, c.ID)
		}
	}

	return nil
}

// Encode normalizes and validates c, then returns its JSON document.
func Encode(c Conversation) ([]byte, error) {
	n := Normalize(c)
	if err := Validate(n); err != nil {
		return nil, err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encoding conversation %q: %w", c.ID, err)
	}
	return data, nil
}

// Decode parses a stored document back into a Conversation.
func Decode(data []byte) (Conversation, error) {
	var c Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return Conversation{}, fmt.Errorf("decoding conversation: %w", err)
	}
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	return c, nil
}
