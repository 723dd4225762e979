package server

import (
	"context"
	"encoding/json"

	"github.com/waflowhq/triggerd/internal/core"
	"github.com/waflowhq/triggerd/internal/repository"
	"github.com/waflowhq/triggerd/internal/service"
)

type Service interface {
	ReplaceTriggerSet(ctx context.Context, flowID string, document json.RawMessage) (repository.TriggerSet, error)
	GetTriggerSet(ctx context.Context, flowID string) (repository.TriggerSet, error)
	ListTriggerSets(ctx context.Context) ([]repository.TriggerSet, error)
	DeleteTriggerSet(ctx context.Context, flowID string) error
	EvaluateEvent(ctx context.Context, event service.Event) (service.EvaluationResult, error)
	PreviewCondition(cond core.Condition, pctx service.PreviewContext) service.PreviewResult
	PreviewGroup(group core.ConditionGroup, pctx service.PreviewContext) bool
	ListEventsSince(ctx context.Context, flowID string, eventID int64) ([]repository.TriggerEvent, error)
}

var _ Service = (*service.Service)(nil)
