package core

import (
	"math/rand/v2"
	"strings"
	"time"
)

// MessageType is the WhatsApp message kind as reported by the transport.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeDocument MessageType = "document"
	MessageTypeSticker  MessageType = "sticker"
)

// Message is the incoming event's message snapshot.
type Message struct {
	Content   string        `json:"content"`
	Type      MessageType   `json:"type"`
	MimeType  string        `json:"mimeType,omitempty"`
	Source    MessageSource `json:"source"`
	Timestamp time.Time     `json:"timestamp"`

	// FirstFromContact is true when this is the first message this contact
	// has ever sent to the account.
	FirstFromContact bool `json:"firstFromContact,omitempty"`

	// PollVote is the option the contact selected, for poll-vote events.
	PollVote string `json:"pollVote,omitempty"`

	// CallType is set for incoming-call events ("voice" or "video").
	CallType string `json:"callType,omitempty"`
}

// Contact is the contact-profile snapshot assembled by the ingestion pipeline.
type Contact struct {
	ID        string            `json:"id"`
	Fields    map[string]string `json:"fields,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`

	// LastMessage is the previous inbound message from this contact, before
	// the one being evaluated.
	LastMessage string `json:"lastMessage,omitempty"`

	// LastInboundAt is when the previous inbound message arrived. Zero means
	// no prior message is known.
	LastInboundAt time.Time `json:"lastInboundAt,omitempty"`
}

// HasTag reports whether the contact carries the named tag, case-insensitively.
func (c Contact) HasTag(name string) bool {
	for _, tag := range c.Tags {
		if strings.EqualFold(tag, name) {
			return true
		}
	}
	return false
}

// StatusInteractionKind classifies how a contact interacted with a status.
type StatusInteractionKind string

const (
	StatusViewed   StatusInteractionKind = "viewed"
	StatusReaction StatusInteractionKind = "reaction"
	StatusReply    StatusInteractionKind = "reply"
)

// StatusInteraction records one contact interaction with a published status.
type StatusInteraction struct {
	StatusID string                `json:"statusId"`
	Kind     StatusInteractionKind `json:"kind"`
	Content  string                `json:"content,omitempty"`
	At       time.Time             `json:"at"`
}

// HistoryRecord is the per-(trigger group, contact) firing history snapshot.
// The zero value means the group has never fired for the contact.
type HistoryRecord struct {
	LastFiredAt  time.Time
	HasFiredEver bool
}

// HistoryReader supplies firing history to the gate and to the
// not_triggered_in variable. Implementations must be fail-closed: on any
// lookup problem return the zero record rather than an error, so that a
// history outage can only suppress dedup, never crash evaluation.
type HistoryReader interface {
	History(triggerGroupID, contactID string) HistoryRecord
}

// HistoryReaderFunc adapts a function to the [HistoryReader] interface.
type HistoryReaderFunc func(triggerGroupID, contactID string) HistoryRecord

func (f HistoryReaderFunc) History(triggerGroupID, contactID string) HistoryRecord {
	return f(triggerGroupID, contactID)
}

// EvaluationContext is the per-event snapshot the engine evaluates against.
// It is constructed fresh for each incoming event and discarded afterwards;
// the engine never retains or mutates it beyond the one evaluation, which is
// what makes concurrent evaluation across contacts safe without locking.
type EvaluationContext struct {
	// Message is nil for events that carry no message (e.g. a pure status
	// interaction); message-scoped conditions then resolve to absent.
	Message *Message
	Contact Contact
	Now     time.Time

	// Statuses holds this contact's recent status interactions, newest first.
	Statuses []StatusInteraction

	History HistoryReader

	// Rand overrides the random draw, for tests. Production leaves it nil.
	Rand func() int

	randomDraw int
	randomSet  bool
}

// Random returns a uniform integer in [1, 100], drawn once per context so a
// single event's decision stays internally consistent even when several
// conditions reference the random variable.
func (c *EvaluationContext) Random() int {
	if !c.randomSet {
		if c.Rand != nil {
			c.randomDraw = c.Rand()
		} else {
			c.randomDraw = rand.IntN(100) + 1
		}
		c.randomSet = true
	}
	return c.randomDraw
}

// history is a nil-safe accessor over the optional HistoryReader.
func (c *EvaluationContext) history(triggerGroupID string) HistoryRecord {
	if c.History == nil {
		return HistoryRecord{}
	}
	return c.History.History(triggerGroupID, c.Contact.ID)
}
