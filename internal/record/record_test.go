// ABOUTME: Tests for the Conversation record codec
// ABOUTME: Covers validation invariants, normalization, and encode/decode fidelity

package record

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(id string, at time.Time) Message {
	return Message{
		ID:        id,
		Content:   "hello " + id,
		Sender:    User{ID: "u1", Name: "Periskope"},
		Timestamp: at,
		Status:    StatusDelivered,
	}
}

func TestValidate(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m1 := testMessage("m1", at)
	m2 := testMessage("m2", at.Add(time.Minute))

	tests := []struct {
		name    string
		conv    Conversation
		wantErr bool
	}{
		{name: "minimal", conv: Conversation{ID: "c1", Name: "Test"}},
		{name: "empty id", conv: Conversation{Name: "Test"}, wantErr: true},
		{name: "consistent last message", conv: Conversation{ID: "c1", Messages: []Message{m1, m2}, LastMessage: &m2}},
		{name: "stale last message", conv: Conversation{ID: "c1", Messages: []Message{m1, m2}, LastMessage: &m1}, wantErr: true},
		{name: "last message without history", conv: Conversation{ID: "c1", LastMessage: &m1}},
		{name: "duplicate message id", conv: Conversation{ID: "c1", Messages: []Message{m1, m1}}, wantErr: true},
		{name: "empty message id", conv: Conversation{ID: "c1", Messages: []Message{{Status: StatusSent}}}, wantErr: true},
		{name: "bad status", conv: Conversation{ID: "c1", Messages: []Message{{ID: "m", Status: "lost"}}}, wantErr: true},
		{name: "negative unread", conv: Conversation{ID: "c1", UnreadCount: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.conv)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRecord)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	est := time.FixedZone("EST", -5*60*60)
	at := time.Date(2026, 3, 1, 7, 0, 0, 0, est)

	n := Normalize(Conversation{
		ID:       "c1",
		Messages: []Message{testMessage("m1", at)},
		Tags:     []string{"work", "demo", "work"},
	})

	assert.Equal(t, []string{"work", "demo"}, n.Tags)
	require.NotNil(t, n.LastMessage)
	assert.Equal(t, "m1", n.LastMessage.ID)
	assert.Equal(t, time.UTC, n.Messages[0].Timestamp.Location())
	assert.True(t, n.Messages[0].Timestamp.Equal(at))

	empty := Normalize(Conversation{ID: "c2"})
	assert.NotNil(t, empty.Messages)
	assert.NotNil(t, empty.Tags)
	assert.Nil(t, empty.LastMessage)
}

func TestNormalize_DoesNotAliasInput(t *testing.T) {
	in := Conversation{ID: "c1", Tags: []string{"a"}, Messages: []Message{testMessage("m1", time.Now())}}
	out := Normalize(in)
	out.Tags[0] = "changed"
	out.Messages[0].Content = "changed"

	assert.Equal(t, "a", in.Tags[0])
	assert.NotEqual(t, "changed", in.Messages[0].Content)
}

func TestEncodeDecode(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	m := testMessage("m1", at)
	in := Conversation{
		ID:           "c1",
		Name:         "Test",
		Participants: []string{"u1", "u2"},
		Messages:     []Message{m},
		LastMessage:  &m,
		UnreadCount:  2,
		Tags:         []string{"demo"},
	}

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)

	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestEncode_Shape(t *testing.T) {
	data, err := Encode(Conversation{ID: "c1", Name: "Test"})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))

	assert.Equal(t, "c1", doc["id"])
	assert.Equal(t, "Test", doc["name"])
	assert.Equal(t, []any{}, doc["messages"])
	assert.Equal(t, []any{}, doc["tags"])
	assert.NotContains(t, doc, "lastMessage")
}

func TestEncode_RejectsInvalid(t *testing.T) {
	_, err := Encode(Conversation{})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.Error(t, err)
}

func TestClone(t *testing.T) {
	m := testMessage("m1", time.Now())
	c := Conversation{ID: "c1", Messages: []Message{m}, LastMessage: &m, Tags: []string{"x"}}
	cp := c.Clone()
	cp.LastMessage.Content = "other"
	cp.Tags = append(cp.Tags, "y")

	assert.Equal(t, m.Content, c.LastMessage.Content)
	assert.Len(t, c.Tags, 1)
	assert.True(t, cmp.Equal(c.Messages, cp.Messages, cmpopts.EquateEmpty()))
}

func TestEncode_FixedWidthTimestamps(t *testing.T) {
	whole := time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC)
	half := whole.Add(500 * time.Millisecond)
	ist := time.FixedZone("IST", 19800)

	stamps := make([]string, 0, 3)
	for _, at := range []time.Time{whole, half, half.In(ist)} {
		data, err := Encode(Conversation{ID: "c1", Messages: []Message{testMessage("m1", at)}})
		require.NoError(t, err)

		var doc struct {
			LastMessage struct {
				Timestamp string `json:"timestamp"`
			} `json:"lastMessage"`
		}
		require.NoError(t, json.Unmarshal(data, &doc))
		stamps = append(stamps, doc.LastMessage.Timestamp)
	}

	assert.Equal(t, "2024-01-01T00:00:05.000000000Z", stamps[0])
	assert.Equal(t, "2024-01-01T00:00:05.500000000Z", stamps[1])
	assert.Equal(t, stamps[1], stamps[2], "offsets are stored as UTC")
	assert.Less(t, stamps[0], stamps[1])
}
