package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karuppusamym/LangOrch-sub000/internal/config"
	ilog "github.com/karuppusamym/LangOrch-sub000/internal/log"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.Default()
	cfg.DatabaseURL = filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), cfg, ilog.New(nil))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedRun(t *testing.T, s *Store, runID string) *Run {
	t.Helper()
	r := &Run{RunID: runID, ProcedureID: "proc", ProcedureVersion: "1"}
	require.NoError(t, s.CreateRun(context.Background(), r))
	return r
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := seedRun(t, s, "")
	assert.NotEmpty(t, r.RunID)
	assert.Equal(t, r.RunID, r.ThreadID)

	loaded, err := s.GetRun(ctx, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCreated, loaded.Status)
	assert.False(t, loaded.Terminal())

	require.NoError(t, s.MarkRunRunning(ctx, r.RunID))
	loaded, err = s.GetRun(ctx, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusRunning, loaded.Status)
	require.NotNil(t, loaded.StartedAt)
	firstStart := *loaded.StartedAt

	// started_at is sticky across resume transitions.
	require.NoError(t, s.MarkRunRunning(ctx, r.RunID))
	loaded, err = s.GetRun(ctx, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, firstStart, *loaded.StartedAt)

	require.NoError(t, s.AddRunUsage(ctx, r.RunID, 100, 40, 0.0123))
	require.NoError(t, s.CompleteRun(ctx, r.RunID, `{"result":"ok"}`))
	loaded, err = s.GetRun(ctx, r.RunID)
	require.NoError(t, err)
	assert.True(t, loaded.Terminal())
	assert.Equal(t, int64(100), loaded.TotalPromptTokens)
	assert.Equal(t, int64(40), loaded.TotalCompletionTokens)
	assert.InDelta(t, 0.0123, loaded.EstimatedCostUSD, 1e-9)
}

func TestCancellationFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "")

	flag, err := s.CancellationRequested(ctx, r.RunID)
	require.NoError(t, err)
	assert.False(t, flag)

	require.NoError(t, s.RequestCancellation(ctx, r.RunID))
	flag, err = s.CancellationRequested(ctx, r.RunID)
	require.NoError(t, err)
	assert.True(t, flag)
}

func TestJobEnqueueClaimDone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "")

	require.NoError(t, s.EnqueueRun(ctx, r.RunID, 0, 3))

	jobs, err := s.ClaimJobs(ctx, "w1", 4, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, r.RunID, jobs[0].RunID)
	assert.Equal(t, JobStatusRunning, jobs[0].Status)
	assert.Equal(t, 1, jobs[0].Attempts)
	require.NotNil(t, jobs[0].LockedBy)
	assert.Equal(t, "w1", *jobs[0].LockedBy)

	// A second claimer gets nothing; the claim is exclusive.
	again, err := s.ClaimJobs(ctx, "w2", 4, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, s.MarkJobDone(ctx, jobs[0].JobID))
	j, err := s.GetJobByRun(ctx, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusDone, j.Status)
	assert.Nil(t, j.LockedBy)
}

func TestEnqueueIsUpdateInPlacePerRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "")

	require.NoError(t, s.EnqueueRun(ctx, r.RunID, 0, 3))
	first, err := s.GetJobByRun(ctx, r.RunID)
	require.NoError(t, err)

	require.NoError(t, s.EnqueueRun(ctx, r.RunID, 5, 3))
	second, err := s.GetJobByRun(ctx, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, first.JobID, second.JobID, "unique(run_id) keeps one job per run")
	assert.Equal(t, 5, second.Priority)
}

func TestRequeuePriorityOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedRun(t, s, "run-a")
	b := seedRun(t, s, "run-b")

	require.NoError(t, s.EnqueueRun(ctx, a.RunID, 0, 3))
	require.NoError(t, s.RequeueRun(ctx, b.RunID, 10))

	jobs, err := s.ClaimJobs(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, b.RunID, jobs[0].RunID, "higher priority claims first")
}

func TestRetryJobDelayScalesWithAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "")
	require.NoError(t, s.EnqueueRun(ctx, r.RunID, 0, 3))

	jobs, err := s.ClaimJobs(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	before := time.Now().UTC()
	require.NoError(t, s.RetryJob(ctx, &jobs[0], "flaky step", 5*time.Second))

	j, err := s.GetJobByRun(ctx, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRetrying, j.Status)
	require.NotNil(t, j.ErrorMessage)
	assert.Equal(t, "flaky step", *j.ErrorMessage)
	assert.True(t, j.AvailableAt.After(before.Add(4*time.Second)), "delay = base x attempts")

	// Not due yet.
	none, err := s.ClaimJobs(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestReclaimStalledJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "")
	require.NoError(t, s.EnqueueRun(ctx, r.RunID, 0, 3))

	jobs, err := s.ClaimJobs(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// Expire the lock by hand.
	_, err = s.DB().Exec(s.rebind(
		`UPDATE run_jobs SET locked_until = ? WHERE job_id = ?`),
		time.Now().UTC().Add(-time.Minute), jobs[0].JobID)
	require.NoError(t, err)

	n, err := s.ReclaimStalledJobs(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j, err := s.GetJobByRun(ctx, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRetrying, j.Status)
	assert.Nil(t, j.LockedBy)
}

func TestReclaimExhaustedAttemptsFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "")
	require.NoError(t, s.EnqueueRun(ctx, r.RunID, 0, 1))

	jobs, err := s.ClaimJobs(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	_, err = s.DB().Exec(s.rebind(
		`UPDATE run_jobs SET locked_until = ? WHERE job_id = ?`),
		time.Now().UTC().Add(-time.Minute), jobs[0].JobID)
	require.NoError(t, err)

	_, err = s.ReclaimStalledJobs(ctx, time.Second)
	require.NoError(t, err)

	j, err := s.GetJobByRun(ctx, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, j.Status)
	require.NotNil(t, j.ErrorMessage)
	assert.Contains(t, *j.ErrorMessage, "max_attempts")
}

func TestHeartbeatGuardedByLockOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "")
	require.NoError(t, s.EnqueueRun(ctx, r.RunID, 0, 3))

	jobs, err := s.ClaimJobs(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	ok, err := s.HeartbeatJob(ctx, jobs[0].JobID, "w1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HeartbeatJob(ctx, jobs[0].JobID, "imposter", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "only the lock owner renews")
}

func TestResourceLeaseLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l1, err := s.TryAcquireLease(ctx, "browser-pool", "r1", "n1", "s1", time.Minute, 2)
	require.NoError(t, err)
	require.NotNil(t, l1)

	l2, err := s.TryAcquireLease(ctx, "browser-pool", "r2", "n1", "s1", time.Minute, 2)
	require.NoError(t, err)
	require.NotNil(t, l2)

	l3, err := s.TryAcquireLease(ctx, "browser-pool", "r3", "n1", "s1", time.Minute, 2)
	require.NoError(t, err)
	assert.Nil(t, l3, "pool saturated at the concurrency limit")

	require.NoError(t, s.ReleaseLease(ctx, l1.LeaseID))
	l4, err := s.TryAcquireLease(ctx, "browser-pool", "r3", "n1", "s1", time.Minute, 2)
	require.NoError(t, err)
	assert.NotNil(t, l4, "released capacity is reusable")

	n, err := s.ActiveLeaseCount(ctx, "browser-pool")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestExpiredLeasesAreReapedOnAcquire(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l1, err := s.TryAcquireLease(ctx, "k", "r1", "n", "s", -time.Second, 1)
	require.NoError(t, err)
	require.NotNil(t, l1)

	l2, err := s.TryAcquireLease(ctx, "k", "r2", "n", "s", time.Minute, 1)
	require.NoError(t, err)
	assert.NotNil(t, l2, "expired lease no longer counts against the limit")
}

func TestLeaderElectionPaths(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Insert path: first caller wins.
	ok, err := s.AcquireOrRenewLeader(ctx, "scheduler", "me", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// A rival cannot take a live lease.
	ok, err = s.AcquireOrRenewLeader(ctx, "scheduler", "rival", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Renew path: the holder extends.
	ok, err = s.AcquireOrRenewLeader(ctx, "scheduler", "me", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Steal path: expire the lease, rival takes over.
	_, err = s.DB().Exec(s.rebind(
		`UPDATE scheduler_leader_leases SET expires_at = ? WHERE name = ?`),
		time.Now().UTC().Add(-time.Minute), "scheduler")
	require.NoError(t, err)

	ok, err = s.AcquireOrRenewLeader(ctx, "scheduler", "rival", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	lease, err := s.CurrentLeader(ctx, "scheduler")
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, "rival", lease.LeaderID)

	// Release lets anyone re-acquire immediately.
	require.NoError(t, s.ReleaseLeader(ctx, "scheduler", "rival"))
	ok, err = s.AcquireOrRenewLeader(ctx, "scheduler", "me", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestApprovalSingletonAndDecideOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "")

	a1, err := s.CreateApproval(ctx, &Approval{RunID: r.RunID, NodeID: "gate", Prompt: "ok?"})
	require.NoError(t, err)

	a2, err := s.CreateApproval(ctx, &Approval{RunID: r.RunID, NodeID: "gate", Prompt: "ok?"})
	require.NoError(t, err)
	assert.Equal(t, a1.ApprovalID, a2.ApprovalID, "one pending per (run, node)")

	require.NoError(t, s.DecideApproval(ctx, a1.ApprovalID, ApprovalStatusApproved, "ops", `{"decision":"approved"}`))

	err = s.DecideApproval(ctx, a1.ApprovalID, ApprovalStatusRejected, "ops", `{}`)
	require.Error(t, err, "decisions are final")

	decided, err := s.GetApproval(ctx, a1.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, ApprovalStatusApproved, decided.Status)
	require.NotNil(t, decided.DecidedBy)
	assert.Equal(t, "ops", *decided.DecidedBy)
}

func TestExpiredApprovals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "")

	past := time.Now().UTC().Add(-time.Hour)
	_, err := s.CreateApproval(ctx, &Approval{RunID: r.RunID, NodeID: "gate", ExpiresAt: &past})
	require.NoError(t, err)

	expired, err := s.ExpiredApprovals(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "gate", expired[0].NodeID)
}

func TestStepIdempotencyUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.GetStepRecord(ctx, "r", "n", "s")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, s.MarkStepStarted(ctx, "r", "n", "s", "key-1"))
	require.NoError(t, s.MarkStepCompleted(ctx, "r", "n", "s", `{"out":1}`))

	rec, err = s.GetStepRecord(ctx, "r", "n", "s")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StepStatusCompleted, rec.Status)
	require.NotNil(t, rec.ResultJSON)
	assert.JSONEq(t, `{"out":1}`, *rec.ResultJSON)
}

func TestAgentCircuitBookkeeping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := &Agent{AgentID: "a1", Name: "browser", Channel: "web", BaseURL: "http://a1", ConcurrencyLimit: 2}
	require.NoError(t, s.UpsertAgent(ctx, agent))

	// Threshold-1 failures leave the circuit closed.
	for i := 0; i < 4; i++ {
		require.NoError(t, s.RecordAgentFailure(ctx, "a1", 5))
	}
	a, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 4, a.ConsecutiveFailures)
	assert.Nil(t, a.CircuitOpenAt)

	// Threshold failure opens it.
	require.NoError(t, s.RecordAgentFailure(ctx, "a1", 5))
	a, err = s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.NotNil(t, a.CircuitOpenAt)

	// Success resets everything.
	require.NoError(t, s.RecordAgentSuccess(ctx, "a1"))
	a, err = s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Zero(t, a.ConsecutiveFailures)
	assert.Nil(t, a.CircuitOpenAt)
}

func TestMarkStaleAgentsOffline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAgent(ctx, &Agent{AgentID: "a1", Name: "x", Channel: "web", BaseURL: "http://a1"}))
	_, err := s.DB().Exec(s.rebind(
		`UPDATE agent_instances SET last_heartbeat_at = ? WHERE agent_id = ?`),
		time.Now().UTC().Add(-time.Hour), "a1")
	require.NoError(t, err)

	n, err := s.MarkStaleAgentsOffline(ctx, time.Now().UTC().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	agents, err := s.OnlineAgentsByChannel(ctx, "web")
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestTriggerDedupeWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordDedupe(ctx, "proc", "hash-1", "run-1"))

	runID, err := s.FindDedupe(ctx, "proc", "hash-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)

	runID, err = s.FindDedupe(ctx, "proc", "hash-2", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, runID)

	// Outside the window the hash no longer matches.
	runID, err = s.FindDedupe(ctx, "proc", "hash-1", -time.Second)
	require.NoError(t, err)
	assert.Empty(t, runID)
}

func TestSettingsUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.GetSetting(ctx, "schema_version")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetSetting(ctx, "schema_version", "1"))
	require.NoError(t, s.SetSetting(ctx, "schema_version", "2"))

	v, err = s.GetSetting(ctx, "schema_version")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

func TestEventTimeline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "")

	require.NoError(t, s.AppendEvent(ctx, r.RunID, EventExecutionStarted, "", "", 0, map[string]any{"entry_node_id": "a"}))
	require.NoError(t, s.AppendEvent(ctx, r.RunID, EventStepCompleted, "a", "s1", 1, nil))

	events, err := s.ListEvents(ctx, r.RunID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventExecutionStarted, events[0].EventType)
	assert.Equal(t, EventStepCompleted, events[1].EventType)
	assert.False(t, events[1].Ts.Before(events[0].Ts))

	has, err := s.HasEvent(ctx, r.RunID, EventRunRetryRequested)
	require.NoError(t, err)
	assert.False(t, has)
}
