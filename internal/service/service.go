// Package service wires the pure rule engine to persistence. It keeps an
// in-memory cache of every flow's trigger document, keeps that cache fresh via
// the repository's invalidation feed, and owns the evaluate-then-claim
// sequence that turns an incoming WhatsApp event into at most one fired
// trigger group.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/waflowhq/triggerd/internal/core"
	"github.com/waflowhq/triggerd/internal/history"
	"github.com/waflowhq/triggerd/internal/repository"
)

const (
	EventTypeReplaced = "replaced"
	EventTypeDeleted  = "deleted"

	// ReasonNoMatch is the flow-level outcome when no trigger group fired.
	ReasonNoMatch = "no_match"

	bestEffortTimeout          = 2 * time.Second
	defaultCacheResyncInterval = time.Minute
	cacheReloadTimeout         = 5 * time.Second
)

var (
	ErrTriggerSetNotFound = errors.New("trigger set not found")
	ErrInvalidDocument    = errors.New("invalid trigger document")
)

type Repository interface {
	UpsertTriggerSet(ctx context.Context, flowID string, document json.RawMessage) (repository.TriggerSet, error)
	GetTriggerSet(ctx context.Context, flowID string) (repository.TriggerSet, error)
	ListTriggerSets(ctx context.Context) ([]repository.TriggerSet, error)
	DeleteTriggerSet(ctx context.Context, flowID string) error
	ListEventsSince(ctx context.Context, flowID string, eventID int64) ([]repository.TriggerEvent, error)
	PublishTriggerEvent(ctx context.Context, event repository.TriggerEvent) (repository.TriggerEvent, error)
	InsertDecisionLog(ctx context.Context, entry repository.DecisionLogEntry) error
}

type cacheInvalidationSubscriber interface {
	SubscribeInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// Event is an incoming WhatsApp occurrence to evaluate against one flow's
// trigger groups.
type Event struct {
	FlowID   string
	Contact  core.Contact
	Message  *core.Message
	Statuses []core.StatusInteraction

	// Now overrides the evaluation instant; zero means time.Now.
	Now time.Time
}

// EvaluationResult is the outcome of evaluating one event: whether a group
// fired, which one, and the per-group gate decisions for diagnostics.
type EvaluationResult struct {
	FlowID         string               `json:"flow_id"`
	Fired          bool                 `json:"fired"`
	TriggerGroupID string               `json:"trigger_group_id,omitempty"`
	Reason         string               `json:"reason"`
	Decisions      []core.GroupDecision `json:"decisions"`
}

// PreviewContext is the synthetic evaluation input for editor previews. No
// firing history is consulted and nothing is recorded.
type PreviewContext struct {
	Contact  core.Contact             `json:"contact"`
	Message  *core.Message            `json:"message,omitempty"`
	Statuses []core.StatusInteraction `json:"statuses,omitempty"`
	Now      time.Time                `json:"now,omitempty"`
}

// PreviewResult reports a single condition preview, including the resolved
// operand so the editor can show what the operator compared against.
type PreviewResult struct {
	Matched bool   `json:"matched"`
	Value   string `json:"value"`
	Present bool   `json:"present"`
}

type Service struct {
	repo  Repository
	store history.Store
	log   *slog.Logger
	mu    sync.RWMutex
	cache map[string]repository.TriggerSet

	cacheResyncInterval time.Duration
	onCacheLoad         func()
	onCacheInvalidation func()
	setCacheSize        func(float64)
}

// Option configures optional Service parameters.
type Option func(*Service)

// WithLogger sets the logger used for background cache maintenance. Defaults
// to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithCacheResyncInterval overrides the safety-net full cache refresh
// interval.
func WithCacheResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.cacheResyncInterval = interval
		}
	}
}

// WithCacheMetrics registers callbacks invoked on cache loads, invalidation
// notifications, and cache size changes.
func WithCacheMetrics(onLoad, onInvalidation func(), setSize func(float64)) Option {
	return func(s *Service) {
		s.onCacheLoad = onLoad
		s.onCacheInvalidation = onInvalidation
		s.setCacheSize = setSize
	}
}

func New(ctx context.Context, repo Repository, store history.Store, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}
	if store == nil {
		return nil, errors.New("history store is nil")
	}

	svc := &Service{
		repo:                repo,
		store:               store,
		log:                 slog.Default(),
		cache:               make(map[string]repository.TriggerSet),
		cacheResyncInterval: defaultCacheResyncInterval,
	}
	for _, opt := range opts {
		opt(svc)
	}

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

func (s *Service) LoadCache(ctx context.Context) error {
	sets, err := s.repo.ListTriggerSets(ctx)
	if err != nil {
		return fmt.Errorf("load trigger sets: %w", err)
	}

	next := make(map[string]repository.TriggerSet, len(sets))
	for _, set := range sets {
		next[set.FlowID] = set
	}

	s.mu.Lock()
	s.cache = next
	s.mu.Unlock()

	if s.onCacheLoad != nil {
		s.onCacheLoad()
	}
	if s.setCacheSize != nil {
		s.setCacheSize(float64(len(next)))
	}

	return nil
}

// ReplaceTriggerSet stores a flow's trigger document with whole-document
// replace semantics. The document is validated against the wire format and
// normalized before storage: groups saved without an ID get a generated one
// so firing history has a stable key.
func (s *Service) ReplaceTriggerSet(ctx context.Context, flowID string, document json.RawMessage) (repository.TriggerSet, error) {
	if strings.TrimSpace(flowID) == "" {
		return repository.TriggerSet{}, errors.New("flow id is required")
	}

	groups, err := parseTriggerDocument(document)
	if err != nil {
		return repository.TriggerSet{}, err
	}
	normalized, err := normalizeDocument(groups)
	if err != nil {
		return repository.TriggerSet{}, err
	}

	saved, err := s.repo.UpsertTriggerSet(ctx, flowID, normalized)
	if err != nil {
		return repository.TriggerSet{}, fmt.Errorf("replace trigger set: %w", err)
	}

	s.setCachedSet(saved)
	s.publishTriggerEventBestEffort(ctx, EventTypeReplaced, saved)

	return saved, nil
}

func (s *Service) GetTriggerSet(ctx context.Context, flowID string) (repository.TriggerSet, error) {
	if strings.TrimSpace(flowID) == "" {
		return repository.TriggerSet{}, errors.New("flow id is required")
	}

	if set, ok := s.getCachedSet(flowID); ok {
		return set, nil
	}

	set, err := s.repo.GetTriggerSet(ctx, flowID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.TriggerSet{}, ErrTriggerSetNotFound
		}
		return repository.TriggerSet{}, fmt.Errorf("get trigger set: %w", err)
	}

	s.setCachedSet(set)
	return set, nil
}

func (s *Service) ListTriggerSets(_ context.Context) ([]repository.TriggerSet, error) {
	s.mu.RLock()
	sets := make([]repository.TriggerSet, 0, len(s.cache))
	for _, set := range s.cache {
		sets = append(sets, set)
	}
	s.mu.RUnlock()

	sort.Slice(sets, func(i, j int) bool {
		return sets[i].FlowID < sets[j].FlowID
	})

	return sets, nil
}

func (s *Service) DeleteTriggerSet(ctx context.Context, flowID string) error {
	existing, err := s.GetTriggerSet(ctx, flowID)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteTriggerSet(ctx, flowID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedSet(flowID)
			return ErrTriggerSetNotFound
		}
		return fmt.Errorf("delete trigger set: %w", err)
	}

	s.deleteCachedSet(flowID)
	s.publishTriggerEventBestEffort(ctx, EventTypeDeleted, existing)

	return nil
}

// EvaluateEvent resolves an incoming event against its flow's trigger groups
// and, when one fires, commits the firing through the history store's atomic
// claim. A lost claim downgrades the decision to the gate reason that the
// winning writer holds, so concurrent replicas report a consistent outcome.
func (s *Service) EvaluateEvent(ctx context.Context, event Event) (EvaluationResult, error) {
	if strings.TrimSpace(event.FlowID) == "" {
		return EvaluationResult{}, errors.New("flow id is required")
	}
	if strings.TrimSpace(event.Contact.ID) == "" {
		return EvaluationResult{}, errors.New("contact id is required")
	}

	set, err := s.GetTriggerSet(ctx, event.FlowID)
	if err != nil {
		return EvaluationResult{}, err
	}
	groups, err := parseTriggerDocument(set.Document)
	if err != nil {
		return EvaluationResult{}, fmt.Errorf("stored document for flow %q: %w", event.FlowID, err)
	}

	evalCtx, err := s.buildEvaluationContext(ctx, event)
	if err != nil {
		return EvaluationResult{}, err
	}

	result := EvaluationResult{
		FlowID:    event.FlowID,
		Reason:    ReasonNoMatch,
		Decisions: core.ResolveAll(groups, evalCtx),
	}

	winnerIndex := -1
	for i, decision := range result.Decisions {
		if decision.Decision.Fire {
			winnerIndex = i
			break
		}
	}

	if winnerIndex >= 0 {
		winner := groups[winnerIndex]
		won, err := s.store.RecordFiring(ctx, winner.ID, event.Contact.ID, evalCtx.Now, winner.OncePerUser, winner.Cooldown())
		if err != nil {
			return EvaluationResult{}, fmt.Errorf("record firing for group %q: %w", winner.ID, err)
		}
		if won {
			result.Fired = true
			result.TriggerGroupID = winner.ID
			result.Reason = string(core.ReasonFired)
		} else {
			lostReason := core.ReasonCooldownActive
			if winner.OncePerUser {
				lostReason = core.ReasonAlreadyFiredOnce
			}
			result.Reason = string(lostReason)
			result.Decisions[winnerIndex].Decision = core.Decision{Fire: false, Reason: lostReason}
		}
	}

	if event.Message != nil {
		s.touchInboundBestEffort(ctx, event.Contact.ID, evalCtx.Now)
	}
	s.logDecisionBestEffort(ctx, event.Contact.ID, result)

	return result, nil
}

// PreviewCondition evaluates a single condition against a synthetic context.
func (s *Service) PreviewCondition(cond core.Condition, pctx PreviewContext) PreviewResult {
	evalCtx := previewEvaluationContext(pctx)

	value, present := core.ResolveValue(cond, evalCtx)
	return PreviewResult{
		Matched: core.EvaluateCondition(cond, evalCtx),
		Value:   value.Str,
		Present: present,
	}
}

// PreviewGroup evaluates a condition group against a synthetic context.
func (s *Service) PreviewGroup(group core.ConditionGroup, pctx PreviewContext) bool {
	return core.EvaluateGroup(&group, previewEvaluationContext(pctx))
}

func (s *Service) ListEventsSince(ctx context.Context, flowID string, eventID int64) ([]repository.TriggerEvent, error) {
	events, err := s.repo.ListEventsSince(ctx, flowID, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return events, nil
}

func (s *Service) buildEvaluationContext(ctx context.Context, event Event) (*core.EvaluationContext, error) {
	now := event.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	contact := event.Contact
	if contact.LastInboundAt.IsZero() {
		at, err := s.store.LastInboundAt(ctx, contact.ID)
		if err != nil {
			return nil, fmt.Errorf("last inbound for contact %q: %w", contact.ID, err)
		}
		contact.LastInboundAt = at
	}

	return &core.EvaluationContext{
		Message:  event.Message,
		Contact:  contact,
		Statuses: event.Statuses,
		Now:      now,
		History: core.HistoryReaderFunc(func(groupID, contactID string) core.HistoryRecord {
			record, err := s.store.Get(ctx, groupID, contactID)
			if err != nil {
				// The gate check is advisory; RecordFiring re-applies the
				// constraints atomically, so a read failure maps to the
				// zero record rather than an aborted evaluation.
				return core.HistoryRecord{}
			}
			return core.HistoryRecord{
				LastFiredAt:  record.LastFiredAt,
				HasFiredEver: record.HasFired(),
			}
		}),
	}, nil
}

func previewEvaluationContext(pctx PreviewContext) *core.EvaluationContext {
	now := pctx.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	return &core.EvaluationContext{
		Message:  pctx.Message,
		Contact:  pctx.Contact,
		Statuses: pctx.Statuses,
		Now:      now,
	}
}

func (s *Service) getCachedSet(flowID string) (repository.TriggerSet, bool) {
	s.mu.RLock()
	set, ok := s.cache[flowID]
	s.mu.RUnlock()

	return set, ok
}

func (s *Service) setCachedSet(set repository.TriggerSet) {
	s.mu.Lock()
	s.cache[set.FlowID] = set
	size := len(s.cache)
	s.mu.Unlock()

	if s.setCacheSize != nil {
		s.setCacheSize(float64(size))
	}
}

func (s *Service) deleteCachedSet(flowID string) {
	s.mu.Lock()
	delete(s.cache, flowID)
	size := len(s.cache)
	s.mu.Unlock()

	if s.setCacheSize != nil {
		s.setCacheSize(float64(size))
	}
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.cacheResyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeInvalidation(ctx)
					if err == nil {
						invalidations = next
					} else {
						s.log.Warn("resubscribe cache invalidation failed", "error", err)
					}
				}
				s.reloadCache(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeInvalidation(ctx)
					if err != nil {
						s.log.Warn("resubscribe cache invalidation failed", "error", err)
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.onCacheInvalidation != nil {
					s.onCacheInvalidation()
				}
				s.reloadCache(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reloadCache(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	if err := s.LoadCache(reloadCtx); err != nil && ctx.Err() == nil {
		s.log.Warn("cache reload failed", "error", err)
	}
}

func (s *Service) publishTriggerEventBestEffort(ctx context.Context, eventType string, set repository.TriggerSet) {
	// Mutations have already committed before events are published.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	_ = s.publishTriggerEvent(publishCtx, eventType, set)
}

func (s *Service) publishTriggerEvent(ctx context.Context, eventType string, set repository.TriggerSet) error {
	payload, err := json.Marshal(struct {
		FlowID  string `json:"flowId"`
		Version int64  `json:"version"`
	}{FlowID: set.FlowID, Version: set.Version})
	if err != nil {
		return fmt.Errorf("marshal %s event payload: %w", eventType, err)
	}

	_, err = s.repo.PublishTriggerEvent(ctx, repository.TriggerEvent{
		FlowID:    set.FlowID,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}

	return nil
}

func (s *Service) touchInboundBestEffort(ctx context.Context, contactID string, at time.Time) {
	touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	_ = s.store.TouchInbound(touchCtx, contactID, at)
}

func (s *Service) logDecisionBestEffort(ctx context.Context, contactID string, result EvaluationResult) {
	details, err := json.Marshal(result.Decisions)
	if err != nil {
		return
	}

	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	_ = s.repo.InsertDecisionLog(logCtx, repository.DecisionLogEntry{
		FlowID:         result.FlowID,
		ContactID:      contactID,
		TriggerGroupID: result.TriggerGroupID,
		Fired:          result.Fired,
		Reason:         result.Reason,
		Details:        details,
	})
}

func parseTriggerDocument(payload json.RawMessage) ([]core.TriggerGroup, error) {
	groups := make([]core.TriggerGroup, 0)
	if len(payload) == 0 {
		return groups, nil
	}

	if err := json.Unmarshal(payload, &groups); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	return groups, nil
}

func normalizeDocument(groups []core.TriggerGroup) (json.RawMessage, error) {
	for i := range groups {
		if strings.TrimSpace(groups[i].ID) == "" {
			groups[i].ID = uuid.NewString()
		}
	}

	normalized, err := json.Marshal(groups)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	return normalized, nil
}
