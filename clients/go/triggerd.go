// Package triggerd provides client interfaces and domain types for the
// triggerd rule engine service.
//
// Use the http sub-package to create a transport client:
//
//	import triggerdhttp "github.com/waflowhq/triggerd/clients/go/http"
package triggerd

import (
	"context"
	"encoding/json"
	"time"
)

// TriggerManager covers CRUD operations on per-flow trigger documents.
type TriggerManager interface {
	ReplaceTriggers(ctx context.Context, flowID string, document json.RawMessage) (TriggerSet, error)
	GetTriggers(ctx context.Context, flowID string) (TriggerSet, error)
	ListFlows(ctx context.Context) ([]TriggerSet, error)
	DeleteTriggers(ctx context.Context, flowID string) error
}

// Evaluator submits incoming events for trigger resolution.
type Evaluator interface {
	EvaluateEvent(ctx context.Context, event Event) (EvaluationResult, error)
}

// Streamer delivers real-time trigger-set change events.
// The returned channel is closed when ctx is cancelled or the connection
// drops.
type Streamer interface {
	Stream(ctx context.Context, lastEventID int64) (<-chan TriggerEvent, error)
}

// TriggerSet is one flow's stored trigger document.
type TriggerSet struct {
	FlowID    string
	Document  json.RawMessage
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Contact identifies the WhatsApp contact an event concerns, with optional
// attribute data for condition evaluation.
type Contact struct {
	ID            string            `json:"id"`
	Fields        map[string]string `json:"fields,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Variables     map[string]string `json:"variables,omitempty"`
	LastMessage   string            `json:"lastMessage,omitempty"`
	LastInboundAt time.Time         `json:"lastInboundAt,omitempty"`
}

// Message is the inbound message being evaluated, when the event carries one.
type Message struct {
	Content          string    `json:"content"`
	Type             string    `json:"type"`
	MimeType         string    `json:"mimeType,omitempty"`
	Source           string    `json:"source"`
	Timestamp        time.Time `json:"timestamp"`
	FirstFromContact bool      `json:"firstFromContact,omitempty"`
	PollVote         string    `json:"pollVote,omitempty"`
	CallType         string    `json:"callType,omitempty"`
}

// StatusInteraction is a view of or reply to a status post.
type StatusInteraction struct {
	StatusID string    `json:"statusId"`
	Kind     string    `json:"kind"`
	Content  string    `json:"content,omitempty"`
	At       time.Time `json:"at"`
}

// Event is an incoming WhatsApp occurrence to evaluate against one flow's
// trigger groups.
type Event struct {
	FlowID   string              `json:"flowId"`
	Contact  Contact             `json:"contact"`
	Message  *Message            `json:"message,omitempty"`
	Statuses []StatusInteraction `json:"statuses,omitempty"`
}

// GroupDecision reports one trigger group's gate outcome.
type GroupDecision struct {
	GroupID  string `json:"groupId"`
	Decision struct {
		Fire   bool   `json:"fire"`
		Reason string `json:"reason"`
	} `json:"decision"`
}

// EvaluationResult is the outcome of evaluating one event.
type EvaluationResult struct {
	FlowID         string          `json:"flow_id"`
	Fired          bool            `json:"fired"`
	TriggerGroupID string          `json:"trigger_group_id,omitempty"`
	Reason         string          `json:"reason"`
	Decisions      []GroupDecision `json:"decisions"`
}

// TriggerEvent is a real-time notification of a trigger-set change.
type TriggerEvent struct {
	Type    string // "replace" | "delete" | "error"
	FlowID  string
	Payload json.RawMessage // nil on error
	EventID int64
}
