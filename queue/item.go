// Package queue implements the durable work queue: a SQLite-backed store of
// work items with contention-safe claiming, an append-only work log, and a
// file-path conflict index.
//
// One database file is one queue. Items are keyed by issue ref; an item is
// owned by whichever agent holds it in an active status. Unowned but
// schedulable items are parked under UnclaimedAgentID until a worker takes
// them over.
package queue

import (
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// UnclaimedAgentID owns items that have been enqueued but not yet picked up
// by any worker. Claiming such an item reassigns it instead of conflicting.
const UnclaimedAgentID = "system:unclaimed"

// Status represents the lifecycle state of a work item.
type Status string

const (
	StatusClaimed    Status = "claimed"
	StatusInProgress Status = "in_progress"
	StatusInReview   Status = "in_review"
	StatusDone       Status = "done"
	StatusDropped    Status = "dropped"
	StatusFailed     Status = "failed"
)

// validStatuses is the full set accepted by SetStatus and the schema CHECK.
var validStatuses = map[Status]bool{
	StatusClaimed:    true,
	StatusInProgress: true,
	StatusInReview:   true,
	StatusDone:       true,
	StatusDropped:    true,
	StatusFailed:     true,
}

// IsValidStatus reports whether s names a known status.
func IsValidStatus(s Status) bool {
	return validStatuses[s]
}

// Active reports whether the status represents live, owned work.
// done, dropped and failed are not active.
func (s Status) Active() bool {
	return s == StatusClaimed || s == StatusInProgress || s == StatusInReview
}

// Terminal reports whether the status ends the item's lifecycle.
// dropped is terminal for the claim but the item can be reclaimed.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusDropped || s == StatusFailed
}

// Priority orders claim candidates. It never affects correctness, only
// which eligible item a worker picks first.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// IsValidPriority reports whether p names a known priority.
func IsValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Assignment pins an item to a specific worker agent. It is an admission
// hint evaluated before claiming and is independent of the current owner.
type Assignment struct {
	AgentID string `json:"agentId"`
}

// Result carries the outcome of completed work.
type Result struct {
	Summary string `json:"summary,omitempty"`
}

// ItemError records why an item failed and whether it can be retried.
type ItemError struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Item is a work item row. Scope, Tags and DependsOn are stored normalized;
// Files are stored canonicalized absolute paths.
type Item struct {
	ID           int64       `json:"id"`
	IssueRef     string      `json:"issueRef"`
	AgentID      string      `json:"agentId"`
	Title        string      `json:"title,omitempty"`
	Description  string      `json:"description,omitempty"`
	Squad        string      `json:"squad,omitempty"`
	Status       Status      `json:"status"`
	Branch       string      `json:"branch,omitempty"`
	WorktreePath string      `json:"worktreePath,omitempty"`
	PRURL        string      `json:"prUrl,omitempty"`
	Priority     Priority    `json:"priority"`
	Workstream   string      `json:"workstream,omitempty"`
	AssignedTo   *Assignment `json:"assignedTo,omitempty"`
	Scope        []string    `json:"scope,omitempty"`
	Tags         []string    `json:"tags,omitempty"`
	Files        []string    `json:"files,omitempty"`
	DependsOn    []string    `json:"dependsOn,omitempty"`
	Retries      int         `json:"retries"`
	MaxRetries   int         `json:"maxRetries"`
	Result       *Result     `json:"result,omitempty"`
	Error        *ItemError  `json:"error,omitempty"`
	SessionKey   string      `json:"sessionKey,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// Claimable reports whether a worker may take this item over: it is parked
// under the unclaimed owner and still in the claimed state.
func (i *Item) Claimable() bool {
	return i.Status == StatusClaimed && i.AgentID == UnclaimedAgentID
}

// OwnedBy reports whether agentID actively owns this item.
func (i *Item) OwnedBy(agentID string) bool {
	return i.AgentID == agentID && i.Status.Active()
}

// LogAction classifies work log entries.
type LogAction string

const (
	ActionClaimed  LogAction = "claimed"
	ActionReleased LogAction = "released"
	ActionNote     LogAction = "note"
	ActionDone     LogAction = "done"
)

// LogEntry is one row of the append-only work log.
type LogEntry struct {
	ID        int64     `json:"id"`
	IssueRef  string    `json:"issueRef"`
	AgentID   string    `json:"agentId"`
	Action    LogAction `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NormalizeStringSet trims entries, drops empties, dedupes and sorts.
// Normalizing already-normalized input is a no-op.
func NormalizeStringSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// CanonicalizePaths resolves paths to cleaned absolute form, dedupes and
// sorts. Relative paths resolve against worktreePath when set, otherwise
// against the process working directory.
func CanonicalizePaths(paths []string, worktreePath string) []string {
	if len(paths) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			if worktreePath != "" {
				p = filepath.Join(worktreePath, p)
			} else if abs, err := filepath.Abs(p); err == nil {
				p = abs
			}
		}
		p = filepath.Clean(p)
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// PathsOverlap reports whether two canonical paths refer to overlapping
// file trees: equal paths, or one being a directory ancestor of the other.
// The boundary is the path separator, so "a/b.ts" overlaps "a" but not "ab".
func PathsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	sep := string(filepath.Separator)
	return strings.HasPrefix(a, b+sep) || strings.HasPrefix(b, a+sep)
}
