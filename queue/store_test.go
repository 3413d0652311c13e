package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coracle/workq/errors"
	qtesting "github.com/coracle/workq/internal/testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(qtesting.CreateTestDB(t), nil)
}

func mustClaim(t *testing.T, store *Store, input ClaimInput) *Item {
	t.Helper()
	result, err := store.Claim(input)
	require.NoError(t, err)
	require.Equal(t, OutcomeClaimed, result.Outcome)
	return result.Item
}

func logDetail(t *testing.T, entry LogEntry) map[string]interface{} {
	t.Helper()
	var detail map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(entry.Detail), &detail))
	return detail
}

func TestClaimCreatesItem(t *testing.T) {
	store := newTestStore(t)

	item := mustClaim(t, store, ClaimInput{
		IssueRef:     "PROJ-1",
		AgentID:      "dev-1",
		Title:        "Fix login flow",
		Squad:        "core",
		Priority:     PriorityHigh,
		Workstream:   "backend",
		Scope:        []string{" auth ", "login", "auth"},
		Tags:         []string{"bug", "", "bug"},
		Files:        []string{"src/login.go", "src/login.go"},
		WorktreePath: "/repo",
		DependsOn:    []string{"PROJ-0"},
		MaxRetries:   2,
	})

	assert.Equal(t, "PROJ-1", item.IssueRef)
	assert.Equal(t, "dev-1", item.AgentID)
	assert.Equal(t, StatusClaimed, item.Status)
	assert.Equal(t, PriorityHigh, item.Priority)
	assert.Equal(t, []string{"auth", "login"}, item.Scope)
	assert.Equal(t, []string{"bug"}, item.Tags)
	assert.Equal(t, []string{"/repo/src/login.go"}, item.Files)
	assert.Equal(t, []string{"PROJ-0"}, item.DependsOn)
	assert.Equal(t, 2, item.MaxRetries)
	assert.False(t, item.CreatedAt.IsZero())

	entries, err := store.GetLog("PROJ-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ActionClaimed, entries[0].Action)
	assert.Equal(t, "dev-1", entries[0].AgentID)
}

func TestClaimDefaultsPriorityToMedium(t *testing.T) {
	store := newTestStore(t)
	item := mustClaim(t, store, ClaimInput{IssueRef: "PROJ-1", AgentID: "dev-1"})
	assert.Equal(t, PriorityMedium, item.Priority)
}

func TestClaimRejectsBadInput(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Claim(ClaimInput{IssueRef: "  ", AgentID: "dev-1"})
	assert.True(t, errors.IsInvalidRequest(err))

	_, err = store.Claim(ClaimInput{IssueRef: "PROJ-1", AgentID: ""})
	assert.True(t, errors.IsInvalidRequest(err))

	_, err = store.Claim(ClaimInput{IssueRef: "PROJ-1", AgentID: "dev-1", Priority: "urgent"})
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestClaimConflictIsTypedResult(t *testing.T) {
	store := newTestStore(t)
	mustClaim(t, store, ClaimInput{IssueRef: "PROJ-1", AgentID: "dev-1"})

	result, err := store.Claim(ClaimInput{IssueRef: "PROJ-1", AgentID: "dev-2"})
	require.NoError(t, err, "losing a claim race is a result, not an error")
	assert.Equal(t, OutcomeConflict, result.Outcome)
	assert.Equal(t, "dev-1", result.ClaimedBy)
	assert.Equal(t, StatusClaimed, result.CurrentStatus)

	// Loser's attempt changed nothing.
	item, err := store.Get("PROJ-1")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", item.AgentID)
	entries, err := store.GetLog("PROJ-1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestClaimAlreadyYours(t *testing.T) {
	store := newTestStore(t)
	mustClaim(t, store, ClaimInput{IssueRef: "PROJ-1", AgentID: "dev-1"})

	result, err := store.Claim(ClaimInput{IssueRef: "PROJ-1", AgentID: "dev-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyYours, result.Outcome)
	assert.Equal(t, "dev-1", result.Item.AgentID)

	entries, err := store.GetLog("PROJ-1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "repeat claim must not append a log entry")
}

func TestReclaimDroppedRecordsProvenance(t *testing.T) {
	store := newTestStore(t)
	mustClaim(t, store, ClaimInput{
		IssueRef: "PROJ-1",
		AgentID:  "dev-1",
		Title:    "Original title",
		Scope:    []string{"auth"},
	})
	_, err := store.Release("PROJ-1", "dev-1", "rotating off")
	require.NoError(t, err)

	item := mustClaim(t, store, ClaimInput{IssueRef: "PROJ-1", AgentID: "dev-2"})
	assert.Equal(t, "dev-2", item.AgentID)
	assert.Equal(t, StatusClaimed, item.Status)
	// Metadata not resupplied survives the reclaim.
	assert.Equal(t, "Original title", item.Title)
	assert.Equal(t, []string{"auth"}, item.Scope)

	entries, err := store.GetLog("PROJ-1", 0)
	require.NoError(t, err)

	var claimedEntries []LogEntry
	for _, entry := range entries {
		if entry.Action == ActionClaimed {
			claimedEntries = append(claimedEntries, entry)
		}
	}
	require.Len(t, claimedEntries, 2, "original claim plus reclaim")

	// Entries come back newest first; the reclaim carries provenance.
	detail := logDetail(t, claimedEntries[0])
	assert.Equal(t, "dropped", detail["reclaimedFrom"])
	assert.Equal(t, "dev-1", detail["previousAgentId"])
}

func TestClaimTakesOverUnclaimedItem(t *testing.T) {
	store := newTestStore(t)
	enqueued, err := store.Enqueue(ClaimInput{IssueRef: "PROJ-1", AgentID: "ignored", Title: "Queued work"})
	require.NoError(t, err)
	assert.Equal(t, UnclaimedAgentID, enqueued.AgentID)
	assert.True(t, enqueued.Claimable())

	item := mustClaim(t, store, ClaimInput{IssueRef: "PROJ-1", AgentID: "worker-1"})
	assert.Equal(t, "worker-1", item.AgentID)
	assert.Equal(t, "Queued work", item.Title)

	entries, err := store.GetLog("PROJ-1", 0)
	require.NoError(t, err)
	detail := logDetail(t, entries[0])
	assert.Equal(t, UnclaimedAgentID, detail["previousAgentId"])
}

func TestEnqueueParkedAndHeldItems(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Enqueue(ClaimInput{IssueRef: "PROJ-1", Title: "First title"})
	require.NoError(t, err)

	// Re-enqueueing a parked item is a no-op: metadata stays, no new log.
	item, err := store.Enqueue(ClaimInput{IssueRef: "PROJ-1", Title: "Second title"})
	require.NoError(t, err)
	assert.Equal(t, "First title", item.Title)
	assert.True(t, item.Claimable())

	entries, err := store.GetLog("PROJ-1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// Once a worker holds the item, enqueueing it is an ownership error.
	mustClaim(t, store, ClaimInput{IssueRef: "PROJ-1", AgentID: "worker-1"})
	_, err = store.Enqueue(ClaimInput{IssueRef: "PROJ-1"})
	assert.True(t, errors.IsNotOwner(err))
}

func TestReleaseEnforcesOwnershipAndLiveness(t *testing.T) {
	store := newTestStore(t)
	mustClaim(t, store, ClaimInput{IssueRef: "PROJ-1", AgentID: "dev-1"})

	_, err := store.Release("PROJ-1", "dev-2", "")
	assert.True(t, errors.IsNotOwner(err))

	_, err = store.Release("PROJ-404", "dev-1", "")
	assert.True(t, errors.IsNotFound(err))

	released, err := store.Release("PROJ-1", "dev-1", "blocked")
	require.NoError(t, err)
	assert.Equal(t, StatusDropped, released.Status)
	// agent_id survives the drop for provenance.
	assert.Equal(t, "dev-1", released.AgentID)

	// Releasing a dropped item is an invalid transition, not a drop.
	_, err = store.Release("PROJ-1", "dev-1", "")
	assert.True(t, errors.IsInvalidTransition(err))

	entries, err := store.GetLog("PROJ-1", 0)
	require.NoError(t, err)
	assert.Equal(t, ActionReleased, entries[0].Action)
	assert.Equal(t, "blocked", logDetail(t, entries[0])["reason"])
}

func TestSetStatusIsFreeFormForOwner(t *testing.T) {
	store := newTestStore(t)
	mustClaim(t, store, ClaimInput{IssueRef: "PROJ-1", AgentID: "dev-1"})

	item, err := store.SetStatus("PROJ-1", "dev-1", StatusInProgress, "starting")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, item.Status)

	// No transition graph: straight back to claimed is fine.
	item, err = store.SetStatus("PROJ-1", "dev-1", StatusClaimed, "")
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, item.Status)

	_, err = store.SetStatus("PROJ-1", "dev-2", StatusInProgress, "")
	assert.True(t, errors.IsNotOwner(err))

	_, err = store.SetStatus("PROJ-1", "dev-1", Status("pending"), "")
	assert.True(t, errors.IsInvalidRequest(err))

	_, err = store.SetStatus("PROJ-1", "dev-1", StatusDone, "")
	assert.True(t, errors.IsInvalidTransition(err), "done goes through Done, not SetStatus")

	entries, err := store.GetLog("PROJ-1", 0)
	require.NoError(t, err)
	detail := logDetail(t, entries[1])
	assert.Equal(t, "claimed", detail["from"])
	assert.Equal(t, "in_progress", detail["to"])
	assert.Equal(t, "starting", detail["reason"])
}

func TestDoneRequiresInReview(t *testing.T) {
	store := newTestStore(t)
	mustClaim(t, store, ClaimInput{IssueRef: "PROJ-1", AgentID: "dev-1"})

	_, err := store.Done("PROJ-1", "dev-1", "https://example.com/pr/1", "")
	assert.True(t, errors.IsInvalidTransition(err), "done from claimed must fail")

	_, err = store.SetStatus("PROJ-1", "dev-1", StatusInProgress, "")
	require.NoError(t, err)
	_, err = store.Done("PROJ-1", "dev-1", "https://example.com/pr/1", "")
	assert.True(t, errors.IsInvalidTransition(err), "done from in_progress must fail")

	_, err = store.SetStatus("PROJ-1", "dev-1", StatusInReview, "")
	require.NoError(t, err)

	_, err = store.Done("PROJ-1", "dev-2", "https://example.com/pr/1", "")
	assert.True(t, errors.IsNotOwner(err))

	_, err = store.Done("PROJ-1", "dev-1", "", "")
	assert.True(t, errors.IsInvalidRequest(err))

	item, err := store.Done("PROJ-1", "dev-1", "https://example.com/pr/1", "shipped the fix")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, item.Status)
	assert.Equal(t, "https://example.com/pr/1", item.PRURL)
	require.NotNil(t, item.Result)
	assert.Equal(t, "shipped the fix", item.Result.Summary)

	entries, err := store.GetLog("PROJ-1", 0)
	require.NoError(t, err)
	assert.Equal(t, ActionDone, entries[0].Action)
}

func TestCompleteSkipsReviewGate(t *testing.T) {
	store := newTestStore(t)
	mustClaim(t, store, ClaimInput{IssueRef: "PROJ-1", AgentID: "worker-1"})

	item, err := store.Complete("PROJ-1", "worker-1", "automated run finished")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, item.Status)
	require.NotNil(t, item.Result)
	assert.Equal(t, "automated run finished", item.Result.Summary)

	entries, err := store.GetLog("PROJ-1", 0)
	require.NoError(t, err)
	assert.Equal(t, ActionDone, entries[0].Action)
	assert.Equal(t, true, logDetail(t, entries[0])["autoClosed"])
}

func TestRequeueReturnsItemToPool(t *testing.T) {
	store := newTestStore(t)
	mustClaim(t, store, ClaimInput{IssueRef: "PROJ-1", AgentID: "worker-1", MaxRetries: 3})

	item, err := store.Requeue("PROJ-1", "worker-1", "gateway timeout")
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, item.Status)
	assert.Equal(t, UnclaimedAgentID, item.AgentID)
	assert.Equal(t, 1, item.Retries)
	require.NotNil(t, item.Error)
	assert.Equal(t, "gateway timeout", item.Error.Message)
	assert.True(t, item.Error.Recoverable)
	assert.True(t, item.Claimable())

	entries, err := store.GetLog("PROJ-1", 0)
	require.NoError(t, err)
	assert.Equal(t, ActionReleased, entries[0].Action)
	assert.Equal(t, "retry", logDetail(t, entries[0])["reason"])
}

func TestFailMarksTerminal(t *testing.T) {
	store := newTestStore(t)
	mustClaim(t, store, ClaimInput{IssueRef: "PROJ-1", AgentID: "worker-1", MaxRetries: 1})

	item, err := store.Fail("PROJ-1", "worker-1", "boom", false)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, item.Status)
	assert.Equal(t, 1, item.Retries)
	require.NotNil(t, item.Error)
	assert.False(t, item.Error.Recoverable)

	// Terminal means terminal: no further owner mutations.
	_, err = store.SetStatus("PROJ-1", "worker-1", StatusInProgress, "")
	assert.True(t, errors.IsInvalidTransition(err))
}

func TestAddNoteAndGetLogOrdering(t *testing.T) {
	store := newTestStore(t)
	mustClaim(t, store, ClaimInput{IssueRef: "PROJ-1", AgentID: "dev-1"})

	_, err := store.AddNote("PROJ-1", "dev-1", "first note")
	require.NoError(t, err)
	_, err = store.AddNote("PROJ-1", "dev-1", "second note")
	require.NoError(t, err)

	_, err = store.AddNote("PROJ-1", "dev-2", "sneaky note")
	assert.True(t, errors.IsNotOwner(err))

	entries, err := store.GetLog("PROJ-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "second note", entries[0].Detail)
	assert.Equal(t, "first note", entries[1].Detail)
	assert.Equal(t, ActionClaimed, entries[2].Action)

	limited, err := store.GetLog("PROJ-1", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "second note", limited[0].Detail)
}

func TestGetMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)
	item, err := store.Get("PROJ-404")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestQueryFiltersAndPagination(t *testing.T) {
	store := newTestStore(t)

	mustClaim(t, store, ClaimInput{IssueRef: "PROJ-1", AgentID: "dev-1", Squad: "core", Priority: PriorityHigh, Scope: []string{"auth"}})
	mustClaim(t, store, ClaimInput{IssueRef: "PROJ-2", AgentID: "dev-2", Squad: "core"})
	mustClaim(t, store, ClaimInput{IssueRef: "PROJ-3", AgentID: "dev-3", Squad: "infra"})

	// A done item and a dropped item, excluded by default.
	mustClaim(t, store, ClaimInput{IssueRef: "PROJ-4", AgentID: "dev-4"})
	_, err := store.SetStatus("PROJ-4", "dev-4", StatusInReview, "")
	require.NoError(t, err)
	_, err = store.Done("PROJ-4", "dev-4", "https://example.com/pr/4", "")
	require.NoError(t, err)
	mustClaim(t, store, ClaimInput{IssueRef: "PROJ-5", AgentID: "dev-5"})
	_, err = store.Release("PROJ-5", "dev-5", "")
	require.NoError(t, err)

	result, err := store.Query(QueryFilters{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total, "done and dropped excluded by default")

	all := false
	result, err = store.Query(QueryFilters{ActiveOnly: &all})
	require.NoError(t, err)
	assert.Equal(t, 5, result.Total)

	result, err = store.Query(QueryFilters{Squad: "core"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)

	result, err = store.Query(QueryFilters{Priorities: []Priority{PriorityHigh}})
	require.NoError(t, err)
	require.Equal(t, 1, result.Total)
	assert.Equal(t, "PROJ-1", result.Items[0].IssueRef)

	result, err = store.Query(QueryFilters{Scope: "auth"})
	require.NoError(t, err)
	require.Equal(t, 1, result.Total)
	assert.Equal(t, "PROJ-1", result.Items[0].IssueRef)

	result, err = store.Query(QueryFilters{Statuses: []Status{StatusDropped}})
	require.NoError(t, err)
	require.Equal(t, 1, result.Total)
	assert.Equal(t, "PROJ-5", result.Items[0].IssueRef)

	// Pagination: total is unpaginated, page is bounded.
	result, err = store.Query(QueryFilters{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total)
	assert.Len(t, result.Items, 2)

	result, err = store.Query(QueryFilters{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, result.Items, 1)
}

func TestListClaimableOrdersByPriority(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Enqueue(ClaimInput{IssueRef: "PROJ-low", Priority: PriorityLow})
	require.NoError(t, err)
	_, err = store.Enqueue(ClaimInput{IssueRef: "PROJ-crit", Priority: PriorityCritical})
	require.NoError(t, err)
	_, err = store.Enqueue(ClaimInput{IssueRef: "PROJ-med"})
	require.NoError(t, err)

	// An owned item never shows up as claimable.
	mustClaim(t, store, ClaimInput{IssueRef: "PROJ-owned", AgentID: "dev-1", Priority: PriorityCritical})

	items, err := store.ListClaimable(10)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "PROJ-crit", items[0].IssueRef)
	assert.Equal(t, "PROJ-med", items[1].IssueRef)
	assert.Equal(t, "PROJ-low", items[2].IssueRef)
}

func TestUnmetDependencies(t *testing.T) {
	store := newTestStore(t)

	mustClaim(t, store, ClaimInput{IssueRef: "DEP-done", AgentID: "dev-1"})
	_, err := store.SetStatus("DEP-done", "dev-1", StatusInReview, "")
	require.NoError(t, err)
	_, err = store.Done("DEP-done", "dev-1", "https://example.com/pr/9", "")
	require.NoError(t, err)

	mustClaim(t, store, ClaimInput{IssueRef: "DEP-open", AgentID: "dev-2"})

	unmet, err := store.UnmetDependencies([]string{"DEP-done", "DEP-open", "DEP-missing"})
	require.NoError(t, err)
	assert.Equal(t, []string{"DEP-open", "DEP-missing"}, unmet)

	unmet, err = store.UnmetDependencies(nil)
	require.NoError(t, err)
	assert.Nil(t, unmet)
}

func TestFindStaleActive(t *testing.T) {
	store := newTestStore(t)

	past := time.Now().Add(-2 * time.Hour)
	store.now = func() time.Time { return past }
	mustClaim(t, store, ClaimInput{IssueRef: "PROJ-old", AgentID: "dev-1"})
	_, err := store.Enqueue(ClaimInput{IssueRef: "PROJ-parked"})
	require.NoError(t, err)

	store.now = time.Now
	mustClaim(t, store, ClaimInput{IssueRef: "PROJ-fresh", AgentID: "dev-2"})

	stale, err := store.FindStaleActive(30 * time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1, "parked and fresh items are not stale")
	assert.Equal(t, "PROJ-old", stale[0].IssueRef)
}
