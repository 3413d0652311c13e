package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/coracle/workq/config"
	"github.com/coracle/workq/queue"
)

var (
	agentFlag        string
	dbPathFlag       string
	titleFlag        string
	descriptionFlag  string
	squadFlag        string
	branchFlag       string
	worktreeFlag     string
	priorityFlag     string
	workstreamFlag   string
	assignFlag       string
	scopeFlag        []string
	tagsFlag         []string
	filesFlag        []string
	dependsFlag      []string
	maxRetriesFlag   int
	reasonFlag       string
	prFlag           string
	summaryFlag      string
	limitFlag        int
	offsetFlag       int
	statusesFlag     []string
	prioritiesFlag   []string
	queryScopeFlag   string
	allFlag          bool
	checkPathFlag    string
	excludeAgentFlag string
	removeFilesFlag  bool
	addFilesFlag     bool
	staleMinutesFlag int
)

func claimInputFromFlags(cmd *cobra.Command, issueRef string) queue.ClaimInput {
	// The configured worker.max_retries is the default retry budget; an
	// explicit --max-retries wins, including --max-retries=0.
	maxRetries := maxRetriesFlag
	if !cmd.Flags().Changed("max-retries") {
		if cfg, err := config.Load(); err == nil {
			maxRetries = cfg.Worker.MaxRetries
		}
	}

	input := queue.ClaimInput{
		IssueRef:     issueRef,
		AgentID:      agentFlag,
		Title:        titleFlag,
		Description:  descriptionFlag,
		Squad:        squadFlag,
		Branch:       branchFlag,
		WorktreePath: worktreeFlag,
		Priority:     queue.Priority(priorityFlag),
		Workstream:   workstreamFlag,
		Scope:        scopeFlag,
		Tags:         tagsFlag,
		Files:        filesFlag,
		DependsOn:    dependsFlag,
		MaxRetries:   maxRetries,
	}
	if assignFlag != "" {
		input.AssignedTo = &queue.Assignment{AgentID: assignFlag}
	}
	return input
}

func addClaimFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&titleFlag, "title", "", "Work item title")
	cmd.Flags().StringVar(&descriptionFlag, "description", "", "Work item description")
	cmd.Flags().StringVar(&squadFlag, "squad", "", "Owning squad")
	cmd.Flags().StringVar(&branchFlag, "branch", "", "Working branch")
	cmd.Flags().StringVar(&worktreeFlag, "worktree", "", "Worktree path (relative file claims resolve against it)")
	cmd.Flags().StringVar(&priorityFlag, "priority", "", "Priority: low, medium, high, critical")
	cmd.Flags().StringVar(&workstreamFlag, "workstream", "", "Workstream tag")
	cmd.Flags().StringVar(&assignFlag, "assign", "", "Pin the item to a specific worker agent")
	cmd.Flags().StringSliceVar(&scopeFlag, "scope", nil, "Scope labels")
	cmd.Flags().StringSliceVar(&tagsFlag, "tags", nil, "Tags")
	cmd.Flags().StringSliceVar(&filesFlag, "files", nil, "File paths this item claims")
	cmd.Flags().StringSliceVar(&dependsFlag, "depends-on", nil, "Issue refs that must be done first")
	cmd.Flags().IntVar(&maxRetriesFlag, "max-retries", 0, "Retry budget for worker dispatches")
}

// ClaimCmd claims a work item for an agent.
var ClaimCmd = &cobra.Command{
	Use:   "claim <issue-ref>",
	Short: "Claim a work item",
	Long: `Claim a work item for an agent.

An unseen issue ref creates the item. A dropped item is reclaimed with
provenance in the log. An item held by another agent returns a conflict
result instead of claiming.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, database, err := openStore(dbPathFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		result, err := store.Claim(claimInputFromFlags(cmd, args[0]))
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

// EnqueueCmd parks a work item for workers to pick up.
var EnqueueCmd = &cobra.Command{
	Use:   "enqueue <issue-ref>",
	Short: "Enqueue a work item for workers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, database, err := openStore(dbPathFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		item, err := store.Enqueue(claimInputFromFlags(cmd, args[0]))
		if err != nil {
			return err
		}
		return printJSON(item)
	},
}

// ReleaseCmd drops an item the agent owns.
var ReleaseCmd = &cobra.Command{
	Use:   "release <issue-ref>",
	Short: "Release a claimed work item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, database, err := openStore(dbPathFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		item, err := store.Release(args[0], agentFlag, reasonFlag)
		if err != nil {
			return err
		}
		return printJSON(item)
	},
}

// StatusCmd moves an item between working statuses.
var StatusCmd = &cobra.Command{
	Use:   "status <issue-ref> <status>",
	Short: "Set a work item's status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, database, err := openStore(dbPathFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		item, err := store.SetStatus(args[0], agentFlag, queue.Status(args[1]), reasonFlag)
		if err != nil {
			return err
		}
		return printJSON(item)
	},
}

// DoneCmd completes an in_review item.
var DoneCmd = &cobra.Command{
	Use:   "done <issue-ref>",
	Short: "Complete a reviewed work item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, database, err := openStore(dbPathFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		item, err := store.Done(args[0], agentFlag, prFlag, summaryFlag)
		if err != nil {
			return err
		}
		return printJSON(item)
	},
}

// LogCmd appends a note to an item's log.
var LogCmd = &cobra.Command{
	Use:   "log <issue-ref> <note>",
	Short: "Append a note to a work item's log",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, database, err := openStore(dbPathFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		id, err := store.AddNote(args[0], agentFlag, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("logged entry %d\n", id)
		return nil
	},
}

// LogsCmd shows an item's log, most recent first.
var LogsCmd = &cobra.Command{
	Use:   "logs <issue-ref>",
	Short: "Show a work item's log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, database, err := openStore(dbPathFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		entries, err := store.GetLog(args[0], limitFlag)
		if err != nil {
			return err
		}
		return printJSON(entries)
	},
}

// FilesCmd manages an item's file claims, or checks a path for conflicts.
var FilesCmd = &cobra.Command{
	Use:   "files [issue-ref] [paths...]",
	Short: "Manage file claims or check a path for conflicts",
	Long: `Manage an item's file claims, or check a path against all active claims.

Examples:
  workq files PROJ-1 src/login.go --agent dev-1          # set the file list
  workq files PROJ-1 src/extra.go --agent dev-1 --add    # add to it
  workq files PROJ-1 src/extra.go --agent dev-1 --remove # remove from it
  workq files --check src/login.go                       # who touches this?`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, database, err := openStore(dbPathFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		var input queue.FilesInput
		switch {
		case checkPathFlag != "":
			input = queue.FilesInput{
				Mode:           queue.FilesCheck,
				Path:           checkPathFlag,
				ExcludeAgentID: excludeAgentFlag,
			}
		case len(args) >= 1:
			mode := queue.FilesSet
			if addFilesFlag {
				mode = queue.FilesAdd
			}
			if removeFilesFlag {
				mode = queue.FilesRemove
			}
			input = queue.FilesInput{
				Mode:     mode,
				IssueRef: args[0],
				AgentID:  agentFlag,
				Paths:    args[1:],
			}
		default:
			return cmd.Help()
		}

		result, err := store.Files(input)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

// GetCmd shows one work item.
var GetCmd = &cobra.Command{
	Use:   "get <issue-ref>",
	Short: "Show a work item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, database, err := openStore(dbPathFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		item, err := store.Get(args[0])
		if err != nil {
			return err
		}
		if item == nil {
			fmt.Println("null")
			return nil
		}
		return printJSON(item)
	},
}

// QueryCmd lists work items.
var QueryCmd = &cobra.Command{
	Use:   "query",
	Short: "List work items",
	Long: `List work items, most recently updated first. Active items only by
default; --all includes done and dropped items.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, database, err := openStore(dbPathFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		filters := queue.QueryFilters{
			Squad:      squadFlag,
			AgentID:    agentFlag,
			Workstream: workstreamFlag,
			Scope:      queryScopeFlag,
			Limit:      limitFlag,
			Offset:     offsetFlag,
		}
		for _, s := range statusesFlag {
			filters.Statuses = append(filters.Statuses, queue.Status(s))
		}
		for _, p := range prioritiesFlag {
			filters.Priorities = append(filters.Priorities, queue.Priority(p))
		}
		if allFlag {
			active := false
			filters.ActiveOnly = &active
		}

		result, err := store.Query(filters)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

// StaleCmd lists owned items nobody has touched recently.
var StaleCmd = &cobra.Command{
	Use:   "stale",
	Short: "List claimed or in-progress items that have gone quiet",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, database, err := openStore(dbPathFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		items, err := store.FindStaleActive(time.Duration(staleMinutesFlag) * time.Minute)
		if err != nil {
			return err
		}
		return printJSON(items)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{
		ClaimCmd, EnqueueCmd, ReleaseCmd, StatusCmd, DoneCmd,
		LogCmd, LogsCmd, FilesCmd, GetCmd, QueryCmd, StaleCmd,
	} {
		cmd.Flags().StringVar(&dbPathFlag, "db", "", "Database path (defaults to config)")
	}
	for _, cmd := range []*cobra.Command{
		ClaimCmd, ReleaseCmd, StatusCmd, DoneCmd, LogCmd, FilesCmd,
	} {
		cmd.Flags().StringVar(&agentFlag, "agent", "", "Agent id performing the operation")
		cmd.MarkFlagRequired("agent")
	}

	addClaimFlags(ClaimCmd)
	addClaimFlags(EnqueueCmd)

	ReleaseCmd.Flags().StringVar(&reasonFlag, "reason", "", "Why the item is being released")
	StatusCmd.Flags().StringVar(&reasonFlag, "reason", "", "Why the status changed")

	DoneCmd.Flags().StringVar(&prFlag, "pr", "", "Pull request URL")
	DoneCmd.Flags().StringVar(&summaryFlag, "summary", "", "Result summary")
	DoneCmd.MarkFlagRequired("pr")

	LogsCmd.Flags().IntVar(&limitFlag, "limit", 20, "Maximum entries to show")

	FilesCmd.Flags().BoolVar(&addFilesFlag, "add", false, "Add paths instead of replacing")
	FilesCmd.Flags().BoolVar(&removeFilesFlag, "remove", false, "Remove paths instead of replacing")
	FilesCmd.Flags().StringVar(&checkPathFlag, "check", "", "Check a path against all active claims")
	FilesCmd.Flags().StringVar(&excludeAgentFlag, "exclude-agent", "", "Ignore claims by this agent when checking")

	QueryCmd.Flags().StringVar(&agentFlag, "agent", "", "Filter by owning agent")
	QueryCmd.Flags().StringVar(&squadFlag, "squad", "", "Filter by squad")
	QueryCmd.Flags().StringVar(&workstreamFlag, "workstream", "", "Filter by workstream")
	QueryCmd.Flags().StringVar(&queryScopeFlag, "scope", "", "Filter by scope label")
	QueryCmd.Flags().StringSliceVar(&statusesFlag, "status", nil, "Filter by status (repeatable)")
	QueryCmd.Flags().StringSliceVar(&prioritiesFlag, "priority", nil, "Filter by priority (repeatable)")
	QueryCmd.Flags().BoolVar(&allFlag, "all", false, "Include done and dropped items")
	QueryCmd.Flags().IntVar(&limitFlag, "limit", 50, "Page size")
	QueryCmd.Flags().IntVar(&offsetFlag, "offset", 0, "Page offset")

	StaleCmd.Flags().IntVar(&staleMinutesFlag, "minutes", 30, "Quiet period before an item counts as stale")
}
