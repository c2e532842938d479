package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/collabflow/types"
)

// minOutputsBeforeSummarize: contexts holding this many step outputs or
// fewer are never summarized.
const minOutputsBeforeSummarize = 3

// summaryExcerptLen caps the excerpt kept for a compacted step output.
const summaryExcerptLen = 240

// ContextBudget bounds the serialized size of a shared context. A zero
// field disables that bound.
type ContextBudget struct {
	MaxBytes  int
	MaxTokens int
}

// ContextService owns shared-context reads and writes. Direct edits go
// through optimistic versioning; server-side mutations (step outputs,
// decisions) are load-modify-save under the same version guard.
type ContextService struct {
	contexts  ContextRepository
	instances InstanceRepository
	tokenizer types.Tokenizer
	budget    ContextBudget
	logger    *zap.Logger
	now       func() time.Time
}

// NewContextService creates the context service. tokenizer and logger may
// be nil; a nil tokenizer falls back to character-based estimation.
func NewContextService(contexts ContextRepository, instances InstanceRepository, tokenizer types.Tokenizer, budget ContextBudget, logger *zap.Logger) *ContextService {
	if tokenizer == nil {
		tokenizer = types.NewEstimateTokenizer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextService{
		contexts:  contexts,
		instances: instances,
		tokenizer: tokenizer,
		budget:    budget,
		logger:    logger.With(zap.String("component", "context_service")),
		now:       time.Now,
	}
}

// Get returns the shared context for a workflow instance.
func (s *ContextService) Get(ctx context.Context, workflowID string) (*SharedContext, error) {
	return s.contexts.Get(ctx, workflowID)
}

// AddStepOutput inserts or overwrites one step's output, increments the
// context version, and persists. It fails if the instance does not exist.
func (s *ContextService) AddStepOutput(ctx context.Context, workflowID, stepID string, output map[string]any) error {
	if _, err := s.instances.Get(ctx, workflowID); err != nil {
		return err
	}
	sc, err := s.contexts.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	sc.SetStepOutput(stepID, output)
	sc.UpdatedAt = s.now()
	s.maybeSummarize(sc)
	return s.contexts.Save(ctx, sc)
}

// RecordDecision appends one entry to the ordered decision history.
func (s *ContextService) RecordDecision(ctx context.Context, workflowID, agentID, description string, data map[string]any) error {
	sc, err := s.contexts.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	sc.Decisions = append(sc.Decisions, Decision{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		Description: description,
		Data:        data,
		DecidedAt:   s.now(),
	})
	sc.UpdatedAt = s.now()
	return s.contexts.Save(ctx, sc)
}

// UpdateContext is the optimistic write path for direct context edits: it
// succeeds only if sc.Version matches the stored version, otherwise it
// returns ErrVersionConflict without writing. This is the sole concurrency
// guard for direct edits; callers must re-read and retry on mismatch.
func (s *ContextService) UpdateContext(ctx context.Context, sc *SharedContext) error {
	sc.UpdatedAt = s.now()
	return s.contexts.Save(ctx, sc)
}

// maybeSummarize compacts older step outputs when the serialized context
// exceeds the configured budget. Contexts with at most three step outputs
// are never summarized, and the decision history is always preserved
// verbatim: decisions are the audit trail.
func (s *ContextService) maybeSummarize(sc *SharedContext) {
	if s.budget.MaxBytes <= 0 && s.budget.MaxTokens <= 0 {
		return
	}
	if len(sc.OutputOrder) <= minOutputsBeforeSummarize {
		return
	}
	if !s.overBudget(sc) {
		return
	}

	// Compact oldest outputs first, keeping the newest three intact.
	compacted := 0
	for _, stepID := range sc.OutputOrder[:len(sc.OutputOrder)-minOutputsBeforeSummarize] {
		out := sc.StepOutputs[stepID]
		if out == nil || out["summarized"] == true {
			continue
		}
		sc.StepOutputs[stepID] = summarizeOutput(out)
		compacted++
		if !s.overBudget(sc) {
			break
		}
	}
	if compacted > 0 {
		s.logger.Info("shared context summarized",
			zap.String("workflow_id", sc.WorkflowID),
			zap.Int("outputs_compacted", compacted),
		)
	}
}

func (s *ContextService) overBudget(sc *SharedContext) bool {
	raw, err := json.Marshal(sc)
	if err != nil {
		return false
	}
	if s.budget.MaxBytes > 0 && len(raw) > s.budget.MaxBytes {
		return true
	}
	if s.budget.MaxTokens > 0 && s.tokenizer.CountTokens(string(raw)) > s.budget.MaxTokens {
		return true
	}
	return false
}

// summarizeOutput replaces a step output with a short excerpt of its
// serialized form.
func summarizeOutput(out map[string]any) map[string]any {
	raw, err := json.Marshal(out)
	if err != nil {
		raw = []byte("{}")
	}
	excerpt := string(raw)
	if len(excerpt) > summaryExcerptLen {
		excerpt = excerpt[:summaryExcerptLen] + "…"
	}
	return map[string]any{
		"summarized": true,
		"summary":    excerpt,
	}
}
