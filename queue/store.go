package queue

import (
	"database/sql"
	"encoding/json"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coracle/workq/db"
	"github.com/coracle/workq/errors"
)

// Store provides persistent work item operations over SQLite.
//
// All mutations run inside a write transaction that pairs the item write
// with its log entry, so no caller ever observes one without the other.
// Lock contention is absorbed by a bounded, jittered retry; when the
// schedule is exhausted the operation fails with ErrStoreBusy and is safe
// to retry.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewStore creates a work item store. logger may be nil.
func NewStore(database *sql.DB, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{
		db:     database,
		logger: logger,
		now:    time.Now,
	}
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
	Query(query string, args ...interface{}) (*sql.Rows, error)
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// Each retry window waits a random duration within [min, max] before the
// next attempt. Three windows, then the caller gets ErrStoreBusy.
var writeRetrySchedule = [][2]time.Duration{
	{100 * time.Millisecond, 200 * time.Millisecond},
	{400 * time.Millisecond, 700 * time.Millisecond},
	{1200 * time.Millisecond, 2000 * time.Millisecond},
}

func (s *Store) withWriteTx(fn func(tx *sql.Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := s.attemptWriteTx(fn)
		if err == nil || !db.IsBusy(err) {
			return err
		}
		if attempt >= len(writeRetrySchedule) {
			return errors.Wrap(errors.ErrStoreBusy, "write lock contention")
		}
		window := writeRetrySchedule[attempt]
		jitter := window[0] + time.Duration(rand.Int63n(int64(window[1]-window[0])+1))
		s.logger.Debugw("Store write retry after lock contention",
			"attempt", attempt+1,
			"backoff", jitter,
		)
		time.Sleep(jitter)
	}
}

func (s *Store) attemptWriteTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ClaimOutcome classifies the result of a Claim call.
type ClaimOutcome string

const (
	// OutcomeClaimed means the caller now owns the item.
	OutcomeClaimed ClaimOutcome = "claimed"
	// OutcomeAlreadyYours means the caller already owned the item; nothing changed.
	OutcomeAlreadyYours ClaimOutcome = "already_yours"
	// OutcomeConflict means another agent holds the item. Not an error:
	// losing a claim race is an expected result.
	OutcomeConflict ClaimOutcome = "conflict"
)

// ClaimInput carries the claim request. Only IssueRef and AgentID are
// required; the optional fields seed or refresh the item's metadata.
type ClaimInput struct {
	IssueRef     string
	AgentID      string
	Title        string
	Description  string
	Squad        string
	Branch       string
	WorktreePath string
	SessionKey   string
	Priority     Priority
	Workstream   string
	AssignedTo   *Assignment
	Scope        []string
	Tags         []string
	Files        []string
	DependsOn    []string
	MaxRetries   int
}

// ClaimResult reports a claim outcome. Item is set for claimed and
// already_yours; ClaimedBy and CurrentStatus are set for conflict.
type ClaimResult struct {
	Outcome       ClaimOutcome
	Item          *Item
	ClaimedBy     string
	CurrentStatus Status
}

// Claim atomically takes ownership of an item.
//
// Four paths, all decided inside one transaction:
//   - unseen issueRef: insert a fresh row owned by the caller
//   - dropped item: reclaim it, logging where it came from
//   - item parked under UnclaimedAgentID: reassign it to the caller
//   - anything else: already_yours if the caller owns it, conflict otherwise
//
// Every successful claim or reclaim appends exactly one `claimed` log entry
// in the same transaction.
func (s *Store) Claim(input ClaimInput) (*ClaimResult, error) {
	issueRef := strings.TrimSpace(input.IssueRef)
	agentID := strings.TrimSpace(input.AgentID)
	if issueRef == "" {
		return nil, errors.NewInvalidRequestError("issueRef is required")
	}
	if agentID == "" {
		return nil, errors.NewInvalidRequestError("agentId is required")
	}
	if input.Priority != "" && !IsValidPriority(input.Priority) {
		return nil, errors.NewInvalidRequestError("unknown priority %q", input.Priority)
	}

	worktreePath := strings.TrimSpace(input.WorktreePath)
	scope := NormalizeStringSet(input.Scope)
	tags := NormalizeStringSet(input.Tags)
	depends := NormalizeStringSet(input.DependsOn)
	files := CanonicalizePaths(input.Files, worktreePath)

	var result *ClaimResult
	err := s.withWriteTx(func(tx *sql.Tx) error {
		existing, err := getItem(tx, issueRef)
		if err != nil {
			return err
		}
		now := s.now().UTC()

		switch {
		case existing == nil:
			result, err = s.insertClaim(tx, issueRef, agentID, input, worktreePath, scope, tags, depends, files, now)
			return err

		case existing.AgentID == agentID && existing.Status.Active():
			result = &ClaimResult{Outcome: OutcomeAlreadyYours, Item: existing}
			return nil

		case existing.Status == StatusDropped:
			detail := detailJSON(map[string]interface{}{
				"reclaimedFrom":   string(StatusDropped),
				"previousAgentId": existing.AgentID,
			})
			result, err = s.reassignClaim(tx, existing, agentID, input, worktreePath, scope, tags, depends, files, detail, now)
			return err

		case existing.Claimable():
			detail := detailJSON(map[string]interface{}{
				"previousAgentId": existing.AgentID,
			})
			result, err = s.reassignClaim(tx, existing, agentID, input, worktreePath, scope, tags, depends, files, detail, now)
			return err

		default:
			result = &ClaimResult{
				Outcome:       OutcomeConflict,
				ClaimedBy:     existing.AgentID,
				CurrentStatus: existing.Status,
			}
			return nil
		}
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to claim %s", issueRef)
	}
	return result, nil
}

func (s *Store) insertClaim(tx *sql.Tx, issueRef, agentID string, input ClaimInput, worktreePath string, scope, tags, depends, files []string, now time.Time) (*ClaimResult, error) {
	priority := input.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	assignedTo := ""
	if input.AssignedTo != nil {
		assignedTo = strings.TrimSpace(input.AssignedTo.AgentID)
	}

	_, err := tx.Exec(`
		INSERT INTO work_items (
			issue_ref, agent_id, title, description, squad, status,
			branch, worktree_path, priority, workstream, assigned_agent_id,
			scope_json, tags_json, depends_json, max_retries, session_key,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issueRef, agentID,
		strings.TrimSpace(input.Title), strings.TrimSpace(input.Description),
		strings.TrimSpace(input.Squad), string(StatusClaimed),
		strings.TrimSpace(input.Branch), worktreePath,
		string(priority), strings.TrimSpace(input.Workstream), assignedTo,
		marshalStringSet(scope), marshalStringSet(tags), marshalStringSet(depends),
		input.MaxRetries, strings.TrimSpace(input.SessionKey),
		now, now,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert work item")
	}

	if err := replaceFiles(tx, issueRef, files, now); err != nil {
		return nil, err
	}
	if err := insertLog(tx, issueRef, agentID, ActionClaimed, "", now); err != nil {
		return nil, err
	}

	item, err := getItem(tx, issueRef)
	if err != nil {
		return nil, err
	}
	return &ClaimResult{Outcome: OutcomeClaimed, Item: item}, nil
}

// reassignClaim moves ownership of an existing row to agentID. Supplied
// optional fields refresh the row; omitted ones keep their prior values.
func (s *Store) reassignClaim(tx *sql.Tx, existing *Item, agentID string, input ClaimInput, worktreePath string, scope, tags, depends, files []string, logDetail string, now time.Time) (*ClaimResult, error) {
	title := existing.Title
	if v := strings.TrimSpace(input.Title); v != "" {
		title = v
	}
	description := existing.Description
	if v := strings.TrimSpace(input.Description); v != "" {
		description = v
	}
	squad := existing.Squad
	if v := strings.TrimSpace(input.Squad); v != "" {
		squad = v
	}
	branch := existing.Branch
	if v := strings.TrimSpace(input.Branch); v != "" {
		branch = v
	}
	worktree := existing.WorktreePath
	if worktreePath != "" {
		worktree = worktreePath
	}
	sessionKey := existing.SessionKey
	if v := strings.TrimSpace(input.SessionKey); v != "" {
		sessionKey = v
	}
	priority := existing.Priority
	if input.Priority != "" {
		priority = input.Priority
	}
	workstream := existing.Workstream
	if v := strings.TrimSpace(input.Workstream); v != "" {
		workstream = v
	}
	assignedTo := ""
	if existing.AssignedTo != nil {
		assignedTo = existing.AssignedTo.AgentID
	}
	if input.AssignedTo != nil {
		assignedTo = strings.TrimSpace(input.AssignedTo.AgentID)
	}
	scopeJSON := marshalStringSet(existing.Scope)
	if scope != nil {
		scopeJSON = marshalStringSet(scope)
	}
	tagsJSON := marshalStringSet(existing.Tags)
	if tags != nil {
		tagsJSON = marshalStringSet(tags)
	}
	dependsJSON := marshalStringSet(existing.DependsOn)
	if depends != nil {
		dependsJSON = marshalStringSet(depends)
	}
	maxRetries := existing.MaxRetries
	if input.MaxRetries > 0 {
		maxRetries = input.MaxRetries
	}

	_, err := tx.Exec(`
		UPDATE work_items SET
			agent_id = ?, status = ?, title = ?, description = ?, squad = ?,
			branch = ?, worktree_path = ?, priority = ?, workstream = ?,
			assigned_agent_id = ?, scope_json = ?, tags_json = ?, depends_json = ?,
			max_retries = ?, session_key = ?, updated_at = ?
		WHERE issue_ref = ?`,
		agentID, string(StatusClaimed), title, description, squad,
		branch, worktree, string(priority), workstream,
		assignedTo, scopeJSON, tagsJSON, dependsJSON,
		maxRetries, sessionKey, now,
		existing.IssueRef,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reassign work item")
	}

	if files != nil {
		if err := replaceFiles(tx, existing.IssueRef, files, now); err != nil {
			return nil, err
		}
	}
	if err := insertLog(tx, existing.IssueRef, agentID, ActionClaimed, logDetail, now); err != nil {
		return nil, err
	}

	item, err := getItem(tx, existing.IssueRef)
	if err != nil {
		return nil, err
	}
	return &ClaimResult{Outcome: OutcomeClaimed, Item: item}, nil
}

// Enqueue creates an item parked under UnclaimedAgentID so a worker can
// pick it up. Re-enqueueing an already-parked item returns it unchanged;
// an item another agent holds is an error.
func (s *Store) Enqueue(input ClaimInput) (*Item, error) {
	input.AgentID = UnclaimedAgentID
	result, err := s.Claim(input)
	if err != nil {
		return nil, err
	}
	if result.Outcome == OutcomeConflict {
		return nil, errors.Wrapf(errors.ErrNotOwner,
			"%s is owned by %s (%s)", input.IssueRef, result.ClaimedBy, result.CurrentStatus)
	}
	return result.Item, nil
}

// requireOwnedActive loads the item and verifies agentID actively owns it.
// Order of failure: not found, wrong owner, terminal status.
func requireOwnedActive(tx *sql.Tx, issueRef, agentID string) (*Item, error) {
	item, err := getItem(tx, issueRef)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, errors.Wrapf(errors.ErrNotFound, "work item %s", issueRef)
	}
	if item.AgentID != agentID {
		return nil, errors.Wrapf(errors.ErrNotOwner, "%s is owned by %s", issueRef, item.AgentID)
	}
	if !item.Status.Active() {
		return nil, errors.Wrapf(errors.ErrInvalidTransition, "%s is %s", issueRef, item.Status)
	}
	return item, nil
}

// Release drops an active item the caller owns. The row keeps its agent_id
// for provenance; a dropped row is reclaimable by anyone.
func (s *Store) Release(issueRef, agentID, reason string) (*Item, error) {
	var released *Item
	err := s.withWriteTx(func(tx *sql.Tx) error {
		if _, err := requireOwnedActive(tx, issueRef, agentID); err != nil {
			return err
		}
		now := s.now().UTC()

		if _, err := tx.Exec(
			`UPDATE work_items SET status = ?, updated_at = ? WHERE issue_ref = ?`,
			string(StatusDropped), now, issueRef,
		); err != nil {
			return errors.Wrap(err, "failed to update status")
		}

		detail := ""
		if reason = strings.TrimSpace(reason); reason != "" {
			detail = detailJSON(map[string]interface{}{"reason": reason})
		}
		if err := insertLog(tx, issueRef, agentID, ActionReleased, detail, now); err != nil {
			return err
		}

		var err error
		released, err = getItem(tx, issueRef)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to release %s", issueRef)
	}
	return released, nil
}

// SetStatus writes a status the caller chooses. Ownership and the status
// value are validated but no transition graph is enforced; the one
// exception is `done`, which only Done may write because it carries the
// in_review gate. The change is recorded as a `note` log entry.
func (s *Store) SetStatus(issueRef, agentID string, status Status, reason string) (*Item, error) {
	if !IsValidStatus(status) {
		return nil, errors.NewInvalidRequestError("unknown status %q", status)
	}
	if status == StatusDone {
		return nil, errors.Wrap(errors.ErrInvalidTransition, "use Done to complete an item")
	}

	var updated *Item
	err := s.withWriteTx(func(tx *sql.Tx) error {
		item, err := requireOwnedActive(tx, issueRef, agentID)
		if err != nil {
			return err
		}
		now := s.now().UTC()

		if _, err := tx.Exec(
			`UPDATE work_items SET status = ?, updated_at = ? WHERE issue_ref = ?`,
			string(status), now, issueRef,
		); err != nil {
			return errors.Wrap(err, "failed to update status")
		}

		fields := map[string]interface{}{
			"from": string(item.Status),
			"to":   string(status),
		}
		if reason = strings.TrimSpace(reason); reason != "" {
			fields["reason"] = reason
		}
		if err := insertLog(tx, issueRef, agentID, ActionNote, detailJSON(fields), now); err != nil {
			return err
		}

		updated, err = getItem(tx, issueRef)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to set status on %s", issueRef)
	}
	return updated, nil
}

// Done completes an item that has been through review. The item must be
// in_review; any other status is an invalid transition. This asymmetry
// with SetStatus is deliberate: arbitrary movement between working states
// is cheap, but the terminal success state requires the review step.
func (s *Store) Done(issueRef, agentID, prURL, summary string) (*Item, error) {
	prURL = strings.TrimSpace(prURL)
	if prURL == "" {
		return nil, errors.NewInvalidRequestError("prUrl is required")
	}

	var updated *Item
	err := s.withWriteTx(func(tx *sql.Tx) error {
		item, err := requireOwnedActive(tx, issueRef, agentID)
		if err != nil {
			return err
		}
		if item.Status != StatusInReview {
			return errors.Wrapf(errors.ErrInvalidTransition,
				"cannot complete %s from %s, must be %s", issueRef, item.Status, StatusInReview)
		}
		now := s.now().UTC()

		summary = strings.TrimSpace(summary)
		if _, err := tx.Exec(
			`UPDATE work_items SET status = ?, pr_url = ?, result_summary = ?, updated_at = ? WHERE issue_ref = ?`,
			string(StatusDone), prURL, summary, now, issueRef,
		); err != nil {
			return errors.Wrap(err, "failed to complete work item")
		}

		fields := map[string]interface{}{"prUrl": prURL}
		if summary != "" {
			fields["summary"] = summary
		}
		if err := insertLog(tx, issueRef, agentID, ActionDone, detailJSON(fields), now); err != nil {
			return err
		}

		updated, err = getItem(tx, issueRef)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mark %s done", issueRef)
	}
	return updated, nil
}

// Complete marks an item done on behalf of an automated run, without the
// review gate. Used by the worker when a dispatched run succeeds.
func (s *Store) Complete(issueRef, agentID, summary string) (*Item, error) {
	var updated *Item
	err := s.withWriteTx(func(tx *sql.Tx) error {
		if _, err := requireOwnedActive(tx, issueRef, agentID); err != nil {
			return err
		}
		now := s.now().UTC()

		summary = strings.TrimSpace(summary)
		if _, err := tx.Exec(
			`UPDATE work_items SET status = ?, result_summary = ?, error_message = NULL, error_recoverable = NULL, updated_at = ? WHERE issue_ref = ?`,
			string(StatusDone), summary, now, issueRef,
		); err != nil {
			return errors.Wrap(err, "failed to complete work item")
		}

		fields := map[string]interface{}{"autoClosed": true}
		if summary != "" {
			fields["summary"] = summary
		}
		if err := insertLog(tx, issueRef, agentID, ActionDone, detailJSON(fields), now); err != nil {
			return err
		}

		var err error
		updated, err = getItem(tx, issueRef)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to complete %s", issueRef)
	}
	return updated, nil
}

// Fail marks an item terminally failed and increments its retry count.
// recoverable=false means the retry budget is exhausted.
func (s *Store) Fail(issueRef, agentID, message string, recoverable bool) (*Item, error) {
	var updated *Item
	err := s.withWriteTx(func(tx *sql.Tx) error {
		item, err := requireOwnedActive(tx, issueRef, agentID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		retries := item.Retries + 1

		if _, err := tx.Exec(
			`UPDATE work_items SET status = ?, retries = ?, error_message = ?, error_recoverable = ?, updated_at = ? WHERE issue_ref = ?`,
			string(StatusFailed), retries, message, recoverable, now, issueRef,
		); err != nil {
			return errors.Wrap(err, "failed to mark work item failed")
		}

		detail := detailJSON(map[string]interface{}{
			"error":       message,
			"recoverable": recoverable,
			"retries":     retries,
		})
		if err := insertLog(tx, issueRef, agentID, ActionNote, detail, now); err != nil {
			return err
		}

		updated, err = getItem(tx, issueRef)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fail %s", issueRef)
	}
	return updated, nil
}

// Requeue returns a failed run to the claimable pool: ownership moves back
// to UnclaimedAgentID, the retry count increments, and the error is
// recorded as recoverable.
func (s *Store) Requeue(issueRef, agentID, message string) (*Item, error) {
	var updated *Item
	err := s.withWriteTx(func(tx *sql.Tx) error {
		item, err := requireOwnedActive(tx, issueRef, agentID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		retries := item.Retries + 1

		if _, err := tx.Exec(
			`UPDATE work_items SET status = ?, agent_id = ?, retries = ?, error_message = ?, error_recoverable = ?, updated_at = ? WHERE issue_ref = ?`,
			string(StatusClaimed), UnclaimedAgentID, retries, message, true, now, issueRef,
		); err != nil {
			return errors.Wrap(err, "failed to requeue work item")
		}

		detail := detailJSON(map[string]interface{}{
			"reason":  "retry",
			"error":   message,
			"retries": retries,
		})
		if err := insertLog(tx, issueRef, agentID, ActionReleased, detail, now); err != nil {
			return err
		}

		updated, err = getItem(tx, issueRef)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to requeue %s", issueRef)
	}
	return updated, nil
}

// AddNote appends a free-form note to the item's log. Owner-only, like all
// mutations. Returns the new log entry id.
func (s *Store) AddNote(issueRef, agentID, note string) (int64, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return 0, errors.NewInvalidRequestError("note is required")
	}

	var id int64
	err := s.withWriteTx(func(tx *sql.Tx) error {
		if _, err := requireOwnedActive(tx, issueRef, agentID); err != nil {
			return err
		}
		now := s.now().UTC()

		res, err := tx.Exec(
			`INSERT INTO work_log (issue_ref, agent_id, action, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
			issueRef, agentID, string(ActionNote), note, now,
		)
		if err != nil {
			return errors.Wrap(err, "failed to insert log entry")
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to log note on %s", issueRef)
	}
	return id, nil
}

// Get returns the item for issueRef, or nil if it does not exist.
func (s *Store) Get(issueRef string) (*Item, error) {
	item, err := getItem(s.db, issueRef)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get %s", issueRef)
	}
	return item, nil
}

// GetLog returns the item's log entries, most recent first. limit defaults
// to 20 and is capped at 500.
func (s *Store) GetLog(issueRef string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := s.db.Query(
		`SELECT id, issue_ref, agent_id, action, detail, created_at
		 FROM work_log WHERE issue_ref = ? ORDER BY id DESC LIMIT ?`,
		issueRef, limit,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read log for %s", issueRef)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var entry LogEntry
		var detail sql.NullString
		if err := rows.Scan(&entry.ID, &entry.IssueRef, &entry.AgentID, &entry.Action, &detail, &entry.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan log entry")
		}
		if detail.Valid {
			entry.Detail = detail.String
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// QueryFilters narrows a Query. Zero values mean "no filter". ActiveOnly
// defaults to true when nil: done and dropped items are excluded unless
// the caller opts in or names statuses explicitly.
type QueryFilters struct {
	Squad      string
	AgentID    string
	Workstream string
	Scope      string
	Priorities []Priority
	Statuses   []Status
	ActiveOnly *bool
	Limit      int
	Offset     int
}

// QueryResult carries one page of items plus the unpaginated total.
type QueryResult struct {
	Items  []*Item
	Total  int
	Limit  int
	Offset int
}

// Query lists items matching the filters, most recently updated first.
func (s *Store) Query(filters QueryFilters) (*QueryResult, error) {
	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	var conds []string
	var args []interface{}

	if filters.Squad != "" {
		conds = append(conds, "squad = ?")
		args = append(args, filters.Squad)
	}
	if filters.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, filters.AgentID)
	}
	if filters.Workstream != "" {
		conds = append(conds, "workstream = ?")
		args = append(args, filters.Workstream)
	}
	if filters.Scope != "" {
		conds = append(conds, "EXISTS (SELECT 1 FROM json_each(work_items.scope_json) WHERE json_each.value = ?)")
		args = append(args, filters.Scope)
	}
	if len(filters.Priorities) > 0 {
		placeholders := make([]string, len(filters.Priorities))
		for i, p := range filters.Priorities {
			if !IsValidPriority(p) {
				return nil, errors.NewInvalidRequestError("unknown priority %q", p)
			}
			placeholders[i] = "?"
			args = append(args, string(p))
		}
		conds = append(conds, "priority IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(filters.Statuses) > 0 {
		placeholders := make([]string, len(filters.Statuses))
		for i, st := range filters.Statuses {
			if !IsValidStatus(st) {
				return nil, errors.NewInvalidRequestError("unknown status %q", st)
			}
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ", ")+")")
	} else {
		activeOnly := true
		if filters.ActiveOnly != nil {
			activeOnly = *filters.ActiveOnly
		}
		if activeOnly {
			conds = append(conds, "status NOT IN (?, ?)")
			args = append(args, string(StatusDone), string(StatusDropped))
		}
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM work_items"+where, args...).Scan(&total); err != nil {
		return nil, errors.Wrap(err, "failed to count work items")
	}

	query := "SELECT " + StandardItemSelectColumns() + " FROM work_items" + where +
		" ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?"
	rows, err := s.db.Query(query, append(args, limit, offset)...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query work items")
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item := &Item{}
		if err := ScanItemFromRows(rows, item); err != nil {
			return nil, errors.Wrap(err, "failed to scan work item")
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate work items")
	}

	for _, item := range items {
		if item.Files, err = listFiles(s.db, item.IssueRef); err != nil {
			return nil, err
		}
	}

	return &QueryResult{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

// ListClaimable returns items parked under UnclaimedAgentID, highest
// priority first, oldest first within a priority. Workers call this every
// poll tick.
func (s *Store) ListClaimable(limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT " + StandardItemSelectColumns() + ` FROM work_items
		WHERE status = ? AND agent_id = ?
		ORDER BY CASE priority
			WHEN 'critical' THEN 0
			WHEN 'high' THEN 1
			WHEN 'medium' THEN 2
			ELSE 3
		END, created_at ASC, id ASC
		LIMIT ?`
	rows, err := s.db.Query(query, string(StatusClaimed), UnclaimedAgentID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list claimable items")
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item := &Item{}
		if err := ScanItemFromRows(rows, item); err != nil {
			return nil, errors.Wrap(err, "failed to scan claimable item")
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// UnmetDependencies returns the subset of refs that are not yet done:
// missing items count as unmet. Order follows the input.
func (s *Store) UnmetDependencies(refs []string) ([]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(refs))
	args := make([]interface{}, len(refs))
	for i, ref := range refs {
		placeholders[i] = "?"
		args[i] = ref
	}

	rows, err := s.db.Query(
		"SELECT issue_ref, status FROM work_items WHERE issue_ref IN ("+strings.Join(placeholders, ", ")+")",
		args...,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to check dependencies")
	}
	defer rows.Close()

	statuses := make(map[string]Status, len(refs))
	for rows.Next() {
		var ref string
		var status Status
		if err := rows.Scan(&ref, &status); err != nil {
			return nil, errors.Wrap(err, "failed to scan dependency status")
		}
		statuses[ref] = status
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var unmet []string
	for _, ref := range refs {
		if statuses[ref] != StatusDone {
			unmet = append(unmet, ref)
		}
	}
	return unmet, nil
}

// FindStaleActive lists owned items in claimed or in_progress that have not
// been touched within olderThan. Operator tooling only; nothing is mutated.
func (s *Store) FindStaleActive(olderThan time.Duration) ([]*Item, error) {
	cutoff := s.now().UTC().Add(-olderThan)

	query := "SELECT " + StandardItemSelectColumns() + ` FROM work_items
		WHERE status IN (?, ?) AND agent_id != ? AND updated_at < ?
		ORDER BY updated_at ASC`
	rows, err := s.db.Query(query,
		string(StatusClaimed), string(StatusInProgress), UnclaimedAgentID, cutoff,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find stale items")
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item := &Item{}
		if err := ScanItemFromRows(rows, item); err != nil {
			return nil, errors.Wrap(err, "failed to scan stale item")
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// getItem reads one item plus its file set. Returns nil, nil when absent.
func getItem(q querier, issueRef string) (*Item, error) {
	row := q.QueryRow(
		"SELECT "+StandardItemSelectColumns()+" FROM work_items WHERE issue_ref = ?",
		issueRef,
	)
	item := &Item{}
	if err := ScanItemFromRow(row, item); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to scan work item")
	}

	files, err := listFiles(q, issueRef)
	if err != nil {
		return nil, err
	}
	item.Files = files
	return item, nil
}

func insertLog(tx *sql.Tx, issueRef, agentID string, action LogAction, detail string, now time.Time) error {
	var detailArg interface{}
	if detail != "" {
		detailArg = detail
	}
	if _, err := tx.Exec(
		`INSERT INTO work_log (issue_ref, agent_id, action, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		issueRef, agentID, string(action), detailArg, now,
	); err != nil {
		return errors.Wrap(err, "failed to insert log entry")
	}
	return nil
}

// detailJSON renders a log detail payload. Marshal of flat string/bool/int
// maps cannot fail; the empty-string fallback keeps the signature simple.
func detailJSON(fields map[string]interface{}) string {
	b, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	return string(b)
}
