package queue

import (
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/coracle/workq/errors"
)

// FilesMode selects what a Files call does.
type FilesMode string

const (
	// FilesSet replaces the item's file set.
	FilesSet FilesMode = "set"
	// FilesAdd adds paths to the item's file set.
	FilesAdd FilesMode = "add"
	// FilesRemove removes paths from the item's file set.
	FilesRemove FilesMode = "remove"
	// FilesCheck reports which active items touch a path. Read-only.
	FilesCheck FilesMode = "check"
)

// FilesInput carries a Files request. Mutations use IssueRef/AgentID/Paths;
// check uses Path and optionally ExcludeAgentID to ignore one agent's own
// claims.
type FilesInput struct {
	Mode           FilesMode
	IssueRef       string
	AgentID        string
	Paths          []string
	Path           string
	ExcludeAgentID string
}

// FileConflict reports one active item whose file set overlaps the paths
// in question.
type FileConflict struct {
	IssueRef      string   `json:"issueRef"`
	AgentID       string   `json:"agentId"`
	Status        Status   `json:"status"`
	MatchingFiles []string `json:"matchingFiles"`
}

// FilesResult reports the outcome of a Files call. Added and Removed are
// the actual diffs applied by a mutation; Conflicts covers the resulting
// file set (or the checked path).
type FilesResult struct {
	Mode      FilesMode      `json:"mode"`
	Files     []string       `json:"files,omitempty"`
	Added     []string       `json:"added,omitempty"`
	Removed   []string       `json:"removed,omitempty"`
	Conflicts []FileConflict `json:"conflicts,omitempty"`
}

// HasConflicts reports whether any overlapping active item was found.
func (r *FilesResult) HasConflicts() bool {
	return len(r.Conflicts) > 0
}

// Files manages an item's file-path claims and answers overlap checks.
//
// Mutations are owner-only and atomic with their log entry; a mutation that
// changes nothing writes no log entry. Check never mutates. Overlap uses
// directory-boundary prefix semantics (see PathsOverlap).
func (s *Store) Files(input FilesInput) (*FilesResult, error) {
	switch input.Mode {
	case FilesCheck:
		return s.checkFiles(input)
	case FilesSet, FilesAdd, FilesRemove:
		return s.mutateFiles(input)
	default:
		return nil, errors.NewInvalidRequestError("unknown files mode %q", input.Mode)
	}
}

func (s *Store) checkFiles(input FilesInput) (*FilesResult, error) {
	path := strings.TrimSpace(input.Path)
	if path == "" {
		return nil, errors.NewInvalidRequestError("path is required for check")
	}
	canonical := CanonicalizePaths([]string{path}, "")

	conflicts, err := s.collectConflicts(canonical, "", input.ExcludeAgentID)
	if err != nil {
		return nil, err
	}
	return &FilesResult{Mode: FilesCheck, Conflicts: conflicts}, nil
}

func (s *Store) mutateFiles(input FilesInput) (*FilesResult, error) {
	issueRef := strings.TrimSpace(input.IssueRef)
	agentID := strings.TrimSpace(input.AgentID)
	if issueRef == "" {
		return nil, errors.NewInvalidRequestError("issueRef is required")
	}
	if agentID == "" {
		return nil, errors.NewInvalidRequestError("agentId is required")
	}

	var result *FilesResult
	err := s.withWriteTx(func(tx *sql.Tx) error {
		item, err := requireOwnedActive(tx, issueRef, agentID)
		if err != nil {
			return err
		}
		now := s.now().UTC()

		current, err := listFiles(tx, issueRef)
		if err != nil {
			return err
		}
		incoming := CanonicalizePaths(input.Paths, item.WorktreePath)

		var next []string
		switch input.Mode {
		case FilesSet:
			next = incoming
		case FilesAdd:
			next = mergePaths(current, incoming)
		case FilesRemove:
			next = subtractPaths(current, incoming)
		}

		added, removed := diffPaths(current, next)
		if len(added) > 0 || len(removed) > 0 {
			if err := replaceFiles(tx, issueRef, next, now); err != nil {
				return err
			}
			if _, err := tx.Exec(
				`UPDATE work_items SET updated_at = ? WHERE issue_ref = ?`,
				now, issueRef,
			); err != nil {
				return errors.Wrap(err, "failed to touch work item")
			}
			detail := detailJSON(map[string]interface{}{
				"mode":    string(input.Mode),
				"added":   added,
				"removed": removed,
			})
			if err := insertLog(tx, issueRef, agentID, ActionNote, detail, now); err != nil {
				return err
			}
		}

		result = &FilesResult{
			Mode:    input.Mode,
			Files:   next,
			Added:   added,
			Removed: removed,
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to update files on %s", issueRef)
	}

	// Conflicts are advisory: computed after commit over the new set,
	// excluding the item's own owner.
	conflicts, err := s.collectConflicts(result.Files, issueRef, agentID)
	if err != nil {
		return nil, err
	}
	result.Conflicts = conflicts
	return result, nil
}

// collectConflicts scans active items' file sets for overlap with paths,
// skipping excludeRef's own row and any item owned by excludeAgentID.
func (s *Store) collectConflicts(paths []string, excludeRef, excludeAgentID string) ([]FileConflict, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT f.issue_ref, i.agent_id, i.status, f.file_path
		FROM work_item_files f
		JOIN work_items i ON i.issue_ref = f.issue_ref
		WHERE i.status NOT IN (?, ?)
		ORDER BY f.issue_ref, f.file_path`,
		string(StatusDone), string(StatusDropped),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan file claims")
	}
	defer rows.Close()

	byRef := make(map[string]*FileConflict)
	var order []string
	for rows.Next() {
		var ref, agent, file string
		var status Status
		if err := rows.Scan(&ref, &agent, &status, &file); err != nil {
			return nil, errors.Wrap(err, "failed to scan file claim")
		}
		if ref == excludeRef || (excludeAgentID != "" && agent == excludeAgentID) {
			continue
		}

		matched := false
		for _, p := range paths {
			if PathsOverlap(file, p) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}

		conflict, ok := byRef[ref]
		if !ok {
			conflict = &FileConflict{IssueRef: ref, AgentID: agent, Status: status}
			byRef[ref] = conflict
			order = append(order, ref)
		}
		conflict.MatchingFiles = append(conflict.MatchingFiles, file)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	conflicts := make([]FileConflict, 0, len(order))
	for _, ref := range order {
		conflicts = append(conflicts, *byRef[ref])
	}
	return conflicts, nil
}

func listFiles(q querier, issueRef string) ([]string, error) {
	rows, err := q.Query(
		`SELECT file_path FROM work_item_files WHERE issue_ref = ? ORDER BY file_path`,
		issueRef,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list files")
	}
	defer rows.Close()

	var files []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, errors.Wrap(err, "failed to scan file path")
		}
		files = append(files, path)
	}
	return files, rows.Err()
}

func replaceFiles(tx *sql.Tx, issueRef string, files []string, now time.Time) error {
	if _, err := tx.Exec(`DELETE FROM work_item_files WHERE issue_ref = ?`, issueRef); err != nil {
		return errors.Wrap(err, "failed to clear files")
	}
	for _, path := range files {
		if _, err := tx.Exec(
			`INSERT INTO work_item_files (issue_ref, file_path, created_at) VALUES (?, ?, ?)`,
			issueRef, path, now,
		); err != nil {
			return errors.Wrap(err, "failed to insert file path")
		}
	}
	return nil
}

func mergePaths(current, incoming []string) []string {
	seen := make(map[string]bool, len(current)+len(incoming))
	out := make([]string, 0, len(current)+len(incoming))
	for _, p := range current {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range incoming {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func subtractPaths(current, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, p := range remove {
		drop[p] = true
	}
	var out []string
	for _, p := range current {
		if !drop[p] {
			out = append(out, p)
		}
	}
	return out
}

// diffPaths reports what changed between two sorted path sets.
func diffPaths(before, after []string) (added, removed []string) {
	beforeSet := make(map[string]bool, len(before))
	for _, p := range before {
		beforeSet[p] = true
	}
	afterSet := make(map[string]bool, len(after))
	for _, p := range after {
		afterSet[p] = true
		if !beforeSet[p] {
			added = append(added, p)
		}
	}
	for _, p := range before {
		if !afterSet[p] {
			removed = append(removed, p)
		}
	}
	return added, removed
}
