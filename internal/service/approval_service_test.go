package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasops/be-pm-approvals/internal/platform/errors"
	"github.com/atlasops/be-pm-approvals/internal/platform/logger"
	"github.com/atlasops/be-pm-approvals/internal/repository"
	"github.com/atlasops/be-pm-approvals/internal/service"
)

// ── fakes ─────────────────────────────────────────────────────────────────────

type fakeDirectory struct {
	users map[string][]repository.Approver
	err   error
}

func (d *fakeDirectory) UsersWithRole(_ context.Context, role string) ([]repository.Approver, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.users[role], nil
}

type fakeExecutor struct {
	mu     sync.Mutex
	calls  int
	before *repository.ChangeValue
	after  *repository.ChangeValue
	err    error
}

func (f *fakeExecutor) Apply(_ context.Context, _ string, _ repository.ChangeKind, before, after *repository.ChangeValue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.before, f.after = before, after
	return f.err
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) PublishRequestEvent(_ context.Context, eventType string, _ *repository.ApprovalRequest, _ string, _ []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

func (f *fakeNotifier) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

// ── helpers ───────────────────────────────────────────────────────────────────

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error", ServiceName: "test"})
}

func floatPtr(f float64) *float64 { return &f }
func intPtr(n int) *int           { return &n }

func amountValue(a float64) *repository.ChangeValue {
	return &repository.ChangeValue{Amount: &a}
}

type testEnv struct {
	svc      *service.ApprovalService
	rules    *repository.MemoryRuleRepository
	requests *repository.MemoryRequestRepository
	audit    *repository.MemoryAuditRepository
	executor *fakeExecutor
	notifier *fakeNotifier
}

func newTestEnv(t *testing.T, dir service.Directory) *testEnv {
	t.Helper()
	env := &testEnv{
		rules:    repository.NewMemoryRuleRepository(),
		requests: repository.NewMemoryRequestRepository(),
		audit:    repository.NewMemoryAuditRepository(),
		executor: &fakeExecutor{},
		notifier: &fakeNotifier{},
	}
	env.svc = service.NewApprovalService(
		env.rules, env.requests, env.audit,
		dir, env.executor, env.notifier, testLogger())
	return env
}

func budgetDirectory() *fakeDirectory {
	return &fakeDirectory{users: map[string][]repository.Approver{
		"management": {{ID: "mgr-1", Name: "Mia Ward"}},
		"executive":  {{ID: "exec-1", Name: "Evan Ross"}},
	}}
}

func budgetRule() *repository.ApprovalRule {
	return &repository.ApprovalRule{
		Name:            "large budget changes",
		ChangeKind:      repository.ChangeKindBudget,
		Enabled:         true,
		AmountThreshold: floatPtr(10000),
		Approvers: []repository.RuleApprover{
			{Role: "management", Required: true},
			{Role: "executive", Required: true},
		},
	}
}

func createBudgetRequest(t *testing.T, env *testEnv) *repository.ApprovalRequest {
	t.Helper()
	req, err := env.svc.CreateRequest(context.Background(), &service.CreateRequestInput{
		ChangeKind:    repository.ChangeKindBudget,
		ProjectID:     "proj-1",
		ProjectName:   "Atlas Migration",
		RequestedBy:   "user-7",
		RequesterName: "Noa Lind",
		Title:         "Increase budget for phase 2",
		Before:        amountValue(5000),
		After:         amountValue(20000),
		Justification: "vendor costs increased",
	})
	require.NoError(t, err)
	return req
}

// ── creation ──────────────────────────────────────────────────────────────────

func TestCreateRequestResolvesApprovers(t *testing.T) {
	env := newTestEnv(t, budgetDirectory())
	require.NoError(t, env.svc.UpsertRule(context.Background(), budgetRule()))

	req := createBudgetRequest(t, env)

	assert.Equal(t, repository.RequestStatusPending, req.Status)
	assert.Equal(t, repository.UrgencyMedium, req.Urgency)
	require.Len(t, req.Approvals, 2)
	assert.Equal(t, "mgr-1", req.Approvals[0].ApproverID)
	assert.Equal(t, "exec-1", req.Approvals[1].ApproverID)
	for _, a := range req.Approvals {
		assert.Equal(t, repository.ApprovalStatusPending, a.Status)
	}

	assert.Equal(t, []string{service.EventApprovalRequested}, env.notifier.published())

	trail, err := env.svc.GetAuditTrail(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "submitted", trail[0].Action)
}

func TestCreateRequestNoApplicableRule(t *testing.T) {
	env := newTestEnv(t, budgetDirectory())
	require.NoError(t, env.svc.UpsertRule(context.Background(), budgetRule()))

	// Delta below the 10000 threshold.
	_, err := env.svc.CreateRequest(context.Background(), &service.CreateRequestInput{
		ChangeKind:  repository.ChangeKindBudget,
		ProjectID:   "proj-1",
		RequestedBy: "user-7",
		Title:       "Small bump",
		Before:      amountValue(5000),
		After:       amountValue(6000),
	})
	assert.Equal(t, errors.ErrCodeNoApplicableRule, errors.CodeOf(err))

	// No rule at all for the kind.
	_, err = env.svc.CreateRequest(context.Background(), &service.CreateRequestInput{
		ChangeKind:  repository.ChangeKindScope,
		ProjectID:   "proj-1",
		RequestedBy: "user-7",
		Title:       "Scope tweak",
	})
	assert.Equal(t, errors.ErrCodeNoApplicableRule, errors.CodeOf(err))
}

func TestCreateRequestNoApprovers(t *testing.T) {
	env := newTestEnv(t, &fakeDirectory{users: map[string][]repository.Approver{}})
	require.NoError(t, env.svc.UpsertRule(context.Background(), budgetRule()))

	_, err := env.svc.CreateRequest(context.Background(), &service.CreateRequestInput{
		ChangeKind:  repository.ChangeKindBudget,
		ProjectID:   "proj-1",
		RequestedBy: "user-7",
		Title:       "Increase budget",
		Before:      amountValue(0),
		After:       amountValue(50000),
	})
	assert.Equal(t, errors.ErrCodeNoApprovers, errors.CodeOf(err))
}

func TestCreateRequestValidation(t *testing.T) {
	env := newTestEnv(t, budgetDirectory())

	tests := []struct {
		name  string
		input service.CreateRequestInput
	}{
		{name: "unknown change kind", input: service.CreateRequestInput{
			ChangeKind: "reorg", ProjectID: "p", RequestedBy: "u", Title: "t"}},
		{name: "missing project", input: service.CreateRequestInput{
			ChangeKind: repository.ChangeKindScope, RequestedBy: "u", Title: "t"}},
		{name: "missing requester", input: service.CreateRequestInput{
			ChangeKind: repository.ChangeKindScope, ProjectID: "p", Title: "t"}},
		{name: "missing title", input: service.CreateRequestInput{
			ChangeKind: repository.ChangeKindScope, ProjectID: "p", RequestedBy: "u"}},
		{name: "unknown urgency", input: service.CreateRequestInput{
			ChangeKind: repository.ChangeKindScope, ProjectID: "p", RequestedBy: "u",
			Title: "t", Urgency: "urgent"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.CreateRequest(context.Background(), &tc.input)
			assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
		})
	}
}

// ── aggregation ───────────────────────────────────────────────────────────────

func TestSingleRejectionVetoesRequest(t *testing.T) {
	env := newTestEnv(t, budgetDirectory())
	require.NoError(t, env.svc.UpsertRule(context.Background(), budgetRule()))
	req := createBudgetRequest(t, env)
	ctx := context.Background()

	require.NoError(t, env.svc.ProcessApproval(ctx, req.ID, "mgr-1", repository.ApprovalStatusApproved, nil))

	mid, err := env.svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusPending, mid.Status)

	comment := "too expensive this quarter"
	require.NoError(t, env.svc.ProcessApproval(ctx, req.ID, "exec-1", repository.ApprovalStatusRejected, &comment))

	final, err := env.svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusRejected, final.Status)
	require.NotNil(t, final.DecidedAt)
	assert.Equal(t, 0, env.executor.callCount())
	assert.Contains(t, env.notifier.published(), service.EventRequestRejected)
}

func TestUnanimousApprovalTriggersActionOnce(t *testing.T) {
	env := newTestEnv(t, budgetDirectory())
	require.NoError(t, env.svc.UpsertRule(context.Background(), budgetRule()))
	req := createBudgetRequest(t, env)
	ctx := context.Background()

	require.NoError(t, env.svc.ProcessApproval(ctx, req.ID, "mgr-1", repository.ApprovalStatusApproved, nil))
	require.NoError(t, env.svc.ProcessApproval(ctx, req.ID, "exec-1", repository.ApprovalStatusApproved, nil))

	final, err := env.svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusApproved, final.Status)

	assert.Equal(t, 1, env.executor.callCount())
	require.NotNil(t, env.executor.before)
	require.NotNil(t, env.executor.after)
	assert.Equal(t, 5000.0, *env.executor.before.Amount)
	assert.Equal(t, 20000.0, *env.executor.after.Amount)
	assert.Contains(t, env.notifier.published(), service.EventRequestApproved)
}

func TestRejectionOutcomeIsOrderIndependent(t *testing.T) {
	orders := [][2]string{
		{"mgr-1", "exec-1"},
		{"exec-1", "mgr-1"},
	}
	decisions := map[string]repository.ApprovalStatus{
		"mgr-1":  repository.ApprovalStatusApproved,
		"exec-1": repository.ApprovalStatusRejected,
	}

	for _, order := range orders {
		env := newTestEnv(t, budgetDirectory())
		require.NoError(t, env.svc.UpsertRule(context.Background(), budgetRule()))
		req := createBudgetRequest(t, env)
		ctx := context.Background()

		for _, approver := range order {
			err := env.svc.ProcessApproval(ctx, req.ID, approver, decisions[approver], nil)
			// once rejected the request is terminal; a trailing vote errors
			if err != nil {
				assert.Equal(t, errors.ErrCodeRequestTerminal, errors.CodeOf(err))
			}
		}

		final, err := env.svc.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, repository.RequestStatusRejected, final.Status)
		assert.Equal(t, 0, env.executor.callCount())
	}
}

func TestIdempotentVoting(t *testing.T) {
	env := newTestEnv(t, budgetDirectory())
	require.NoError(t, env.svc.UpsertRule(context.Background(), budgetRule()))
	req := createBudgetRequest(t, env)
	ctx := context.Background()

	require.NoError(t, env.svc.ProcessApproval(ctx, req.ID, "mgr-1", repository.ApprovalStatusApproved, nil))

	err := env.svc.ProcessApproval(ctx, req.ID, "mgr-1", repository.ApprovalStatusRejected, nil)
	assert.Equal(t, errors.ErrCodeAlreadyDecided, errors.CodeOf(err))

	// No state change from the rejected double vote.
	cur, err := env.svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusPending, cur.Status)
	assert.Equal(t, repository.ApprovalStatusApproved, cur.ApprovalFor("mgr-1").Status)
}

func TestProcessApprovalErrors(t *testing.T) {
	env := newTestEnv(t, budgetDirectory())
	require.NoError(t, env.svc.UpsertRule(context.Background(), budgetRule()))
	req := createBudgetRequest(t, env)
	ctx := context.Background()

	err := env.svc.ProcessApproval(ctx, "missing", "mgr-1", repository.ApprovalStatusApproved, nil)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

	err = env.svc.ProcessApproval(ctx, req.ID, "stranger", repository.ApprovalStatusApproved, nil)
	assert.Equal(t, errors.ErrCodeNotAnApprover, errors.CodeOf(err))

	err = env.svc.ProcessApproval(ctx, req.ID, "mgr-1", "maybe", nil)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestActionFailureKeepsApproval(t *testing.T) {
	env := newTestEnv(t, budgetDirectory())
	env.executor.err = errors.New(errors.ErrCodeInternal, "projects service unavailable")
	require.NoError(t, env.svc.UpsertRule(context.Background(), budgetRule()))
	req := createBudgetRequest(t, env)
	ctx := context.Background()

	require.NoError(t, env.svc.ProcessApproval(ctx, req.ID, "mgr-1", repository.ApprovalStatusApproved, nil))
	err := env.svc.ProcessApproval(ctx, req.ID, "exec-1", repository.ApprovalStatusApproved, nil)
	assert.Equal(t, errors.ErrCodeActionFailed, errors.CodeOf(err))

	// The approval decision stands despite the failed action.
	final, gerr := env.svc.GetRequest(ctx, req.ID)
	require.NoError(t, gerr)
	assert.Equal(t, repository.RequestStatusApproved, final.Status)
}

// ── approver-set freezing ─────────────────────────────────────────────────────

func TestApproverSetFrozenAtCreation(t *testing.T) {
	env := newTestEnv(t, budgetDirectory())
	rule := budgetRule()
	require.NoError(t, env.svc.UpsertRule(context.Background(), rule))
	req := createBudgetRequest(t, env)
	ctx := context.Background()

	// Rule edits and disabling after creation never touch the request.
	require.NoError(t, env.svc.SetRuleEnabled(ctx, rule.ID, false))
	rule.Approvers = []repository.RuleApprover{{Role: "finance", Required: true}}
	require.NoError(t, env.svc.UpsertRule(ctx, rule))

	cur, err := env.svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, cur.Approvals, 2)
	assert.Equal(t, "mgr-1", cur.Approvals[0].ApproverID)
	assert.Equal(t, "exec-1", cur.Approvals[1].ApproverID)

	// Votes from the frozen set still process normally.
	require.NoError(t, env.svc.ProcessApproval(ctx, req.ID, "mgr-1", repository.ApprovalStatusApproved, nil))
	require.NoError(t, env.svc.ProcessApproval(ctx, req.ID, "exec-1", repository.ApprovalStatusApproved, nil))

	final, err := env.svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusApproved, final.Status)
}

// ── cancellation ──────────────────────────────────────────────────────────────

func TestCancellation(t *testing.T) {
	env := newTestEnv(t, budgetDirectory())
	require.NoError(t, env.svc.UpsertRule(context.Background(), budgetRule()))
	req := createBudgetRequest(t, env)
	ctx := context.Background()

	err := env.svc.CancelRequest(ctx, req.ID, "not-the-requester")
	assert.Equal(t, errors.ErrCodeNotRequester, errors.CodeOf(err))

	require.NoError(t, env.svc.CancelRequest(ctx, req.ID, "user-7"))

	cur, err := env.svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusCancelled, cur.Status)

	// A late vote on the cancelled request fails.
	err = env.svc.ProcessApproval(ctx, req.ID, "mgr-1", repository.ApprovalStatusApproved, nil)
	assert.Equal(t, errors.ErrCodeRequestTerminal, errors.CodeOf(err))

	// So does a second cancellation.
	err = env.svc.CancelRequest(ctx, req.ID, "user-7")
	assert.Equal(t, errors.ErrCodeRequestTerminal, errors.CodeOf(err))

	assert.Contains(t, env.notifier.published(), service.EventRequestCancelled)
}

// ── concurrency ───────────────────────────────────────────────────────────────

func TestConcurrentVotesSerialize(t *testing.T) {
	approvers := make([]repository.Approver, 8)
	for i := range approvers {
		approvers[i] = repository.Approver{ID: string(rune('a' + i)), Name: "Approver"}
	}
	dir := &fakeDirectory{users: map[string][]repository.Approver{"board": approvers}}

	env := newTestEnv(t, dir)
	require.NoError(t, env.svc.UpsertRule(context.Background(), &repository.ApprovalRule{
		Name:       "board sign-off",
		ChangeKind: repository.ChangeKindProjectCancellation,
		Enabled:    true,
		Approvers:  []repository.RuleApprover{{Role: "board", Required: true}},
	}))

	req, err := env.svc.CreateRequest(context.Background(), &service.CreateRequestInput{
		ChangeKind:  repository.ChangeKindProjectCancellation,
		ProjectID:   "proj-9",
		RequestedBy: "user-7",
		Title:       "Cancel stalled project",
	})
	require.NoError(t, err)
	require.Len(t, req.Approvals, len(approvers))

	var wg sync.WaitGroup
	for _, a := range approvers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = env.svc.ProcessApproval(context.Background(), req.ID, id, repository.ApprovalStatusApproved, nil)
		}(a.ID)
	}
	wg.Wait()

	final, err := env.svc.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusApproved, final.Status)
	assert.Equal(t, 1, env.executor.callCount())
}

// ── queries ───────────────────────────────────────────────────────────────────

func TestListPendingForApprover(t *testing.T) {
	env := newTestEnv(t, budgetDirectory())
	require.NoError(t, env.svc.UpsertRule(context.Background(), budgetRule()))
	req := createBudgetRequest(t, env)
	ctx := context.Background()

	pending, err := env.svc.ListPendingForApprover(ctx, "mgr-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)

	require.NoError(t, env.svc.ProcessApproval(ctx, req.ID, "mgr-1", repository.ApprovalStatusApproved, nil))

	pending, err = env.svc.ListPendingForApprover(ctx, "mgr-1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The undecided approver still sees it.
	pending, err = env.svc.ListPendingForApprover(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = env.svc.ListPendingForApprover(ctx, "")
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestListRequestsFilters(t *testing.T) {
	env := newTestEnv(t, budgetDirectory())
	require.NoError(t, env.svc.UpsertRule(context.Background(), budgetRule()))
	req := createBudgetRequest(t, env)
	ctx := context.Background()

	status := repository.RequestStatusPending
	got, err := env.svc.ListRequests(ctx, repository.RequestFilter{Status: &status})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, req.ID, got[0].ID)

	other := "proj-other"
	got, err = env.svc.ListRequests(ctx, repository.RequestFilter{ProjectID: &other})
	require.NoError(t, err)
	assert.Empty(t, got)

	approver := "exec-1"
	got, err = env.svc.ListRequests(ctx, repository.RequestFilter{ApproverID: &approver})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

// ── rule administration ───────────────────────────────────────────────────────

func TestUpsertRuleAssignsIDAndTimestamps(t *testing.T) {
	env := newTestEnv(t, budgetDirectory())
	rule := budgetRule()

	require.NoError(t, env.svc.UpsertRule(context.Background(), rule))
	assert.NotEmpty(t, rule.ID)
	assert.False(t, rule.CreatedAt.IsZero())
	assert.False(t, rule.UpdatedAt.IsZero())

	// Day-threshold rules round-trip too.
	timeline := &repository.ApprovalRule{
		Name:         "long slips",
		ChangeKind:   repository.ChangeKindTimeline,
		Enabled:      true,
		DayThreshold: intPtr(14),
		Approvers:    []repository.RuleApprover{{Role: "management", Required: true}},
	}
	require.NoError(t, env.svc.UpsertRule(context.Background(), timeline))

	rules, err := env.svc.ListRules(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, rules, 2)
}

func TestUpsertRuleValidation(t *testing.T) {
	env := newTestEnv(t, budgetDirectory())

	err := env.svc.UpsertRule(context.Background(), &repository.ApprovalRule{
		ChangeKind: repository.ChangeKindBudget})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	err = env.svc.UpsertRule(context.Background(), &repository.ApprovalRule{
		Name: "bad kind", ChangeKind: "merge"})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestDeadlineIsAdvisoryOnly(t *testing.T) {
	env := newTestEnv(t, budgetDirectory())
	require.NoError(t, env.svc.UpsertRule(context.Background(), budgetRule()))

	deadline := time.Now().Add(-time.Hour)
	req, err := env.svc.CreateRequest(context.Background(), &service.CreateRequestInput{
		ChangeKind:  repository.ChangeKindBudget,
		ProjectID:   "proj-1",
		RequestedBy: "user-7",
		Title:       "Past-deadline request",
		Before:      amountValue(0),
		After:       amountValue(90000),
		Deadline:    &deadline,
	})
	require.NoError(t, err)

	// An elapsed deadline never transitions the request by itself.
	cur, err := env.svc.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusPending, cur.Status)

	require.NoError(t, env.svc.ProcessApproval(context.Background(), req.ID, "mgr-1", repository.ApprovalStatusApproved, nil))
}
