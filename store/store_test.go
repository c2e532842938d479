package store

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/collabflow/types"
	"github.com/BaSui01/collabflow/workflow"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	s := New(db, nil)
	require.NoError(t, s.AutoMigrate())
	return s
}

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestInstanceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Instances()

	inst := &workflow.Instance{
		ID:           "wf-1",
		DefinitionID: "content-pipeline",
		OwnerID:      "owner-1",
		Status:       workflow.StatusCreated,
		CreatedAt:    baseTime,
		UpdatedAt:    baseTime,
	}
	require.NoError(t, repo.Create(ctx, inst))

	got, err := repo.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, inst.DefinitionID, got.DefinitionID)
	assert.Equal(t, workflow.StatusCreated, got.Status)
	assert.Nil(t, got.StartedAt)

	started := baseTime.Add(time.Minute)
	got.Status = workflow.StatusRunning
	got.CurrentStep = 1
	got.StartedAt = &started
	require.NoError(t, repo.Update(ctx, got))

	again, err := repo.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, again.Status)
	assert.Equal(t, 1, again.CurrentStep)
	require.NotNil(t, again.StartedAt)
	assert.True(t, again.StartedAt.Equal(started))
}

func TestInstanceGetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Instances().Get(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))

	err = s.Instances().Update(context.Background(), &workflow.Instance{ID: "nope"})
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestUpdateWithHistoryIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inst := &workflow.Instance{
		ID:           "wf-1",
		DefinitionID: "content-pipeline",
		OwnerID:      "owner-1",
		Status:       workflow.StatusRunning,
		CurrentStep:  1,
		CreatedAt:    baseTime,
		UpdatedAt:    baseTime,
	}
	require.NoError(t, s.Instances().Create(ctx, inst))

	done := baseTime.Add(10 * time.Minute)
	inst.CurrentStep = 2
	rec := &workflow.StepHistory{
		ID:          "hist-1",
		WorkflowID:  "wf-1",
		StepID:      "draft",
		StepName:    "Draft",
		Status:      workflow.StepStatusCompleted,
		StartedAt:   baseTime,
		CompletedAt: &done,
	}
	require.NoError(t, s.Instances().UpdateWithHistory(ctx, inst, rec))

	rows, err := s.History().ListByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "draft", rows[0].StepID)
	assert.Equal(t, workflow.StepStatusCompleted, rows[0].Status)

	// A missing instance must roll the history row back too.
	ghost := &workflow.Instance{ID: "ghost", Status: workflow.StatusRunning}
	err = s.Instances().UpdateWithHistory(ctx, ghost, &workflow.StepHistory{
		ID: "hist-2", WorkflowID: "ghost", StepID: "draft", StartedAt: baseTime,
	})
	require.Error(t, err)
	rows, err = s.History().ListByWorkflow(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestTransitionsOrderedByTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Instances()

	events := []*workflow.TransitionEvent{
		{ID: "ev-2", WorkflowID: "wf-1", From: workflow.StatusRunning, To: workflow.StatusPaused, At: baseTime.Add(time.Minute)},
		{ID: "ev-1", WorkflowID: "wf-1", From: workflow.StatusCreated, To: workflow.StatusRunning, At: baseTime},
		{ID: "ev-3", WorkflowID: "wf-2", From: workflow.StatusCreated, To: workflow.StatusRunning, At: baseTime},
	}
	for _, ev := range events {
		require.NoError(t, repo.AppendTransition(ctx, ev))
	}

	got, err := repo.ListTransitions(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ev-1", got[0].ID)
	assert.Equal(t, "ev-2", got[1].ID)
	assert.Equal(t, workflow.StatusPaused, got[1].To)
}

func TestContextSaveOptimisticGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Contexts()

	sc := workflow.NewSharedContext("wf-1")
	require.NoError(t, repo.Create(ctx, sc))

	a, err := repo.Get(ctx, "wf-1")
	require.NoError(t, err)
	b, err := repo.Get(ctx, "wf-1")
	require.NoError(t, err)

	a.Preferences["tone"] = "formal"
	a.LastModifiedBy = "alice"
	require.NoError(t, repo.Save(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	b.Preferences["tone"] = "casual"
	err = repo.Save(ctx, b)
	require.Error(t, err)
	assert.Equal(t, types.ErrVersionConflict, types.GetErrorCode(err))

	stored, err := repo.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
	assert.Equal(t, "formal", stored.Preferences["tone"])
	assert.Equal(t, "alice", stored.LastModifiedBy)
}

func TestContextJSONColumnsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Contexts()

	sc := workflow.NewSharedContext("wf-1")
	sc.StepOutputs["draft"] = map[string]any{"text": "hello", "words": float64(1)}
	sc.OutputOrder = []string{"draft"}
	sc.Decisions = []workflow.Decision{{
		ID: "dec-1", AgentID: "writer", Description: "keep it short", DecidedAt: baseTime,
	}}
	require.NoError(t, repo.Create(ctx, sc))

	got, err := repo.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.StepOutputs["draft"]["text"])
	assert.Equal(t, []string{"draft"}, got.OutputOrder)
	require.Len(t, got.Decisions, 1)
	assert.Equal(t, "keep it short", got.Decisions[0].Description)
}

func TestContextSaveMissing(t *testing.T) {
	s := newTestStore(t)

	sc := workflow.NewSharedContext("ghost")
	err := s.Contexts().Save(context.Background(), sc)
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func seedInput(t *testing.T, s *Store, id, user, field, value string, at time.Time) {
	t.Helper()
	require.NoError(t, s.Inputs().Save(context.Background(), &workflow.BufferedInput{
		ID: id, WorkflowID: "wf-1", UserID: user, DisplayName: user,
		Field: field, Value: value, SubmittedAt: at,
	}))
}

func TestInputListOpenByField(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedInput(t, s, "in-2", "bob", "title", "blue", baseTime.Add(time.Second))
	seedInput(t, s, "in-1", "alice", "title", "red", baseTime)
	seedInput(t, s, "in-3", "carol", "tone", "formal", baseTime)

	applied := &workflow.BufferedInput{
		ID: "in-4", WorkflowID: "wf-1", UserID: "dave", DisplayName: "dave",
		Field: "title", Value: "green", SubmittedAt: baseTime, IsApplied: true,
	}
	require.NoError(t, s.Inputs().Save(ctx, applied))

	open, err := s.Inputs().ListOpenByField(ctx, "wf-1", "title")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "in-1", open[0].ID)
	assert.Equal(t, "in-2", open[1].ID)

	all, err := s.Inputs().ListUnapplied(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestConflictCreateWithInputsClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedInput(t, s, "in-1", "alice", "title", "red", baseTime)
	seedInput(t, s, "in-2", "bob", "title", "blue", baseTime.Add(time.Second))

	c := &workflow.Conflict{
		ID:         "cf-1",
		WorkflowID: "wf-1",
		Field:      "title",
		Type:       workflow.ConflictTypeFieldValue,
		Status:     workflow.ConflictStatusPending,
		CreatedAt:  baseTime,
		ExpiresAt:  baseTime.Add(time.Hour),
		Inputs: []workflow.ConflictInput{
			{InputID: "in-1", UserID: "alice", Value: "red", SubmittedAt: baseTime},
			{InputID: "in-2", UserID: "bob", Value: "blue", SubmittedAt: baseTime.Add(time.Second)},
		},
	}
	require.NoError(t, s.Conflicts().CreateWithInputs(ctx, c, []string{"in-1", "in-2"}))

	in1, err := s.Inputs().Get(ctx, "in-1")
	require.NoError(t, err)
	assert.Equal(t, "cf-1", in1.ConflictID)

	got, err := s.Conflicts().Get(ctx, "cf-1")
	require.NoError(t, err)
	require.Len(t, got.Inputs, 2)
	assert.Equal(t, "red", got.Inputs[0].Value)

	// A second conflict over an already-claimed input must fail and leave
	// nothing behind.
	rival := &workflow.Conflict{
		ID: "cf-2", WorkflowID: "wf-1", Field: "title",
		Type: workflow.ConflictTypeFieldValue, Status: workflow.ConflictStatusPending,
		CreatedAt: baseTime, ExpiresAt: baseTime.Add(time.Hour),
	}
	err = s.Conflicts().CreateWithInputs(ctx, rival, []string{"in-2"})
	require.Error(t, err)
	assert.Equal(t, types.ErrVersionConflict, types.GetErrorCode(err))
	_, err = s.Conflicts().Get(ctx, "cf-2")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestConflictLists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Conflicts()

	mk := func(id string, created time.Time, expires time.Time, retries int, status workflow.ConflictStatus) {
		require.NoError(t, repo.CreateWithInputs(ctx, &workflow.Conflict{
			ID: id, WorkflowID: "wf-1", Field: "f-" + id,
			Type: workflow.ConflictTypeFieldValue, Status: status,
			CreatedAt: created, ExpiresAt: expires, EscalationRetries: retries,
		}, nil))
	}
	mk("cf-1", baseTime, baseTime.Add(time.Hour), 0, workflow.ConflictStatusPending)
	mk("cf-2", baseTime.Add(time.Minute), baseTime.Add(time.Minute), 3, workflow.ConflictStatusPending)
	mk("cf-3", baseTime, baseTime.Add(time.Hour), 0, workflow.ConflictStatusResolved)

	pending, err := repo.ListPending(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "cf-1", pending[0].ID)

	expired, err := repo.ListExpired(ctx, baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "cf-2", expired[0].ID)

	escalatable, err := repo.ListEscalatable(ctx, 3)
	require.NoError(t, err)
	require.Len(t, escalatable, 1)
	assert.Equal(t, "cf-1", escalatable[0].ID)
}

func TestConflictUpdateResolution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Conflicts()

	c := &workflow.Conflict{
		ID: "cf-1", WorkflowID: "wf-1", Field: "title",
		Type: workflow.ConflictTypeFieldValue, Status: workflow.ConflictStatusPending,
		CreatedAt: baseTime, ExpiresAt: baseTime.Add(time.Hour),
	}
	require.NoError(t, repo.CreateWithInputs(ctx, c, nil))

	c.Status = workflow.ConflictStatusResolved
	c.Resolution = &workflow.Resolution{
		Type: workflow.ResolutionMerge, ResolvedBy: "alice",
		FinalValue: "purple", ResolvedAt: baseTime.Add(time.Minute),
	}
	require.NoError(t, repo.Update(ctx, c))

	got, err := repo.Get(ctx, "cf-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.ConflictStatusResolved, got.Status)
	require.NotNil(t, got.Resolution)
	assert.Equal(t, "purple", got.Resolution.FinalValue)
}

func TestApprovalVersionGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Approvals()

	req := &workflow.ApprovalRequest{
		ID: "ap-1", WorkflowID: "wf-1", AgentID: "writer", StepID: "draft",
		ProposedResponse: "hello", Confidence: 0.5,
		Status: workflow.ApprovalStatusPending, RequestedAt: baseTime, Version: 1,
	}
	require.NoError(t, repo.Create(ctx, req))

	a, err := repo.Get(ctx, "ap-1")
	require.NoError(t, err)
	b, err := repo.Get(ctx, "ap-1")
	require.NoError(t, err)

	a.Status = workflow.ApprovalStatusApproved
	a.ResolvedBy = "owner-1"
	require.NoError(t, repo.Update(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	b.Status = workflow.ApprovalStatusRejected
	err = repo.Update(ctx, b)
	require.Error(t, err)
	assert.Equal(t, types.ErrVersionConflict, types.GetErrorCode(err))

	got, err := repo.Get(ctx, "ap-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.ApprovalStatusApproved, got.Status)
}

func TestApprovalPendingLists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Approvals()

	mk := func(id, wf string, at time.Time, status workflow.ApprovalStatus) {
		require.NoError(t, repo.Create(ctx, &workflow.ApprovalRequest{
			ID: id, WorkflowID: wf, AgentID: "writer", StepID: "draft",
			Confidence: 0.4, Status: status, RequestedAt: at, Version: 1,
		}))
	}
	mk("ap-2", "wf-1", baseTime.Add(time.Minute), workflow.ApprovalStatusPending)
	mk("ap-1", "wf-1", baseTime, workflow.ApprovalStatusPending)
	mk("ap-3", "wf-2", baseTime, workflow.ApprovalStatusPending)
	mk("ap-4", "wf-1", baseTime, workflow.ApprovalStatusApproved)

	all, err := repo.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)

	byWF, err := repo.ListPendingByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, byWF, 2)
	assert.Equal(t, "ap-1", byWF[0].ID)
	assert.Equal(t, "ap-2", byWF[1].ID)
}

func TestSessionVersionGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Sessions()

	sess := &workflow.Session{
		ID: "sess-1", UserID: "alice", ConnectionID: "conn-1", IsActive: true,
		StateVersion: 1, CreatedAt: baseTime, LastActivityAt: baseTime,
		ExpiresAt: baseTime.Add(30 * time.Minute), Version: 1,
	}
	require.NoError(t, repo.Create(ctx, sess))

	a, err := repo.Get(ctx, "sess-1")
	require.NoError(t, err)
	b, err := repo.Get(ctx, "sess-1")
	require.NoError(t, err)

	a.StateVersion = 2
	a.LastActivityAt = baseTime.Add(time.Minute)
	require.NoError(t, repo.Update(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	b.StateVersion = 5
	err = repo.Update(ctx, b)
	require.Error(t, err)
	assert.Equal(t, types.ErrVersionConflict, types.GetErrorCode(err))

	got, err := repo.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.StateVersion)
}

func TestLatestActiveByUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Sessions()

	mk := func(id string, active bool, lastActivity time.Time) {
		require.NoError(t, repo.Create(ctx, &workflow.Session{
			ID: id, UserID: "alice", IsActive: active,
			StateVersion: 1, CreatedAt: baseTime, LastActivityAt: lastActivity,
			ExpiresAt: baseTime.Add(30 * time.Minute), Version: 1,
		}))
	}
	mk("sess-1", true, baseTime)
	mk("sess-2", true, baseTime.Add(5*time.Minute))
	mk("sess-3", false, baseTime.Add(time.Hour))

	got, err := repo.LatestActiveByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "sess-2", got.ID)

	_, err = repo.LatestActiveByUser(ctx, "bob")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}
