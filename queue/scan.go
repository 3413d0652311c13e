package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// ItemScanArgs holds all the variables needed for scanning an item from a
// database row. Nullable columns scan into sql.Null* then fold into the
// item in ProcessItemScanArgs.
type ItemScanArgs struct {
	Title            sql.NullString
	Description      sql.NullString
	Squad            sql.NullString
	Branch           sql.NullString
	WorktreePath     sql.NullString
	PRURL            sql.NullString
	Workstream       sql.NullString
	AssignedAgentID  sql.NullString
	ScopeJSON        sql.NullString
	TagsJSON         sql.NullString
	DependsJSON      sql.NullString
	ResultSummary    sql.NullString
	ErrorMessage     sql.NullString
	ErrorRecoverable sql.NullBool
	SessionKey       sql.NullString
}

// GetItemScanArgs returns an ItemScanArgs struct with all variables ready for scanning
func GetItemScanArgs() *ItemScanArgs {
	return &ItemScanArgs{}
}

// GetItemScanTargets returns a slice of pointers for the item and scan args,
// in the order expected by the standard item SELECT query
func GetItemScanTargets(item *Item, args *ItemScanArgs) []interface{} {
	return []interface{}{
		&item.ID,
		&item.IssueRef,
		&item.AgentID,
		&args.Title,
		&args.Description,
		&args.Squad,
		&item.Status,
		&args.Branch,
		&args.WorktreePath,
		&args.PRURL,
		&item.Priority,
		&args.Workstream,
		&args.AssignedAgentID,
		&args.ScopeJSON,
		&args.TagsJSON,
		&args.DependsJSON,
		&item.Retries,
		&item.MaxRetries,
		&args.ResultSummary,
		&args.ErrorMessage,
		&args.ErrorRecoverable,
		&args.SessionKey,
		&item.CreatedAt,
		&item.UpdatedAt,
	}
}

// ProcessItemScanArgs processes the scanned arguments and populates the item.
// Returns an error if JSON unmarshaling fails.
func ProcessItemScanArgs(item *Item, args *ItemScanArgs) error {
	if args.Title.Valid {
		item.Title = args.Title.String
	}
	if args.Description.Valid {
		item.Description = args.Description.String
	}
	if args.Squad.Valid {
		item.Squad = args.Squad.String
	}
	if args.Branch.Valid {
		item.Branch = args.Branch.String
	}
	if args.WorktreePath.Valid {
		item.WorktreePath = args.WorktreePath.String
	}
	if args.PRURL.Valid {
		item.PRURL = args.PRURL.String
	}
	if args.Workstream.Valid {
		item.Workstream = args.Workstream.String
	}
	if args.AssignedAgentID.Valid && args.AssignedAgentID.String != "" {
		item.AssignedTo = &Assignment{AgentID: args.AssignedAgentID.String}
	}
	if args.SessionKey.Valid {
		item.SessionKey = args.SessionKey.String
	}

	var err error
	if item.Scope, err = unmarshalStringSet(args.ScopeJSON); err != nil {
		return fmt.Errorf("failed to unmarshal scope for %s: %w", item.IssueRef, err)
	}
	if item.Tags, err = unmarshalStringSet(args.TagsJSON); err != nil {
		return fmt.Errorf("failed to unmarshal tags for %s: %w", item.IssueRef, err)
	}
	if item.DependsOn, err = unmarshalStringSet(args.DependsJSON); err != nil {
		return fmt.Errorf("failed to unmarshal dependsOn for %s: %w", item.IssueRef, err)
	}

	if args.ResultSummary.Valid && args.ResultSummary.String != "" {
		item.Result = &Result{Summary: args.ResultSummary.String}
	}
	if args.ErrorMessage.Valid && args.ErrorMessage.String != "" {
		item.Error = &ItemError{
			Message:     args.ErrorMessage.String,
			Recoverable: args.ErrorRecoverable.Valid && args.ErrorRecoverable.Bool,
		}
	}

	return nil
}

func unmarshalStringSet(col sql.NullString) ([]string, error) {
	if !col.Valid || col.String == "" || col.String == "[]" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(col.String), &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func marshalStringSet(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// ScanItemFromRow scans a single item from a sql.Row
func ScanItemFromRow(row *sql.Row, item *Item) error {
	args := GetItemScanArgs()
	targets := GetItemScanTargets(item, args)

	if err := row.Scan(targets...); err != nil {
		return err
	}

	return ProcessItemScanArgs(item, args)
}

// ScanItemFromRows scans a single item from sql.Rows (for use in loops)
func ScanItemFromRows(rows *sql.Rows, item *Item) error {
	args := GetItemScanArgs()
	targets := GetItemScanTargets(item, args)

	if err := rows.Scan(targets...); err != nil {
		return err
	}

	return ProcessItemScanArgs(item, args)
}

// StandardItemSelectColumns returns the standard column list for item SELECT queries
func StandardItemSelectColumns() string {
	return `id, issue_ref, agent_id, title, description, squad, status,
		branch, worktree_path, pr_url,
		priority, workstream, assigned_agent_id,
		scope_json, tags_json, depends_json,
		retries, max_retries,
		result_summary, error_message, error_recoverable,
		session_key, created_at, updated_at`
}
