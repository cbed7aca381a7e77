package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/benghita/gitops-engine/internal/commit"
	"github.com/benghita/gitops-engine/internal/policy"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one snapshot-diff-dispatch cycle and exit",
	Long: `Capture a snapshot, emit any new events, audit branches, then exit.
On a fresh store this establishes the watermarks without emitting a
backlog of historical events.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()
		return a.engine.Cycle(cmd.Context())
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a governance report artifact now",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()
		return a.engine.Report(cmd.Context())
	},
}

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Manage automation branches",
}

var branchCreateCmd = &cobra.Command{
	Use:   "create <slug>",
	Short: "Request an automation branch (auto/<slug>)",
	Long: `Validate the slug, record the branch in the store, and create it on
the host from the protected branch head. Requesting an existing slug
is a no-op that prints the existing record.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		head, err := a.hst.GetHeadCommit(ctx, a.cfg.Repo.ProtectedBranch)
		if err != nil {
			return fmt.Errorf("resolving %s head: %w", a.cfg.Repo.ProtectedBranch, err)
		}

		rec, err := a.branch.RequestAutomationBranch(ctx, args[0], a.cfg.Repo.ProtectedBranch, head.SHA)
		if err != nil {
			return err
		}

		if err := a.hst.CreateBranch(ctx, rec.Name, rec.Base); err != nil {
			// Branch may already exist on the host from an earlier run.
			cmd.PrintErrf("warning: host branch creation: %v\n", err)
		}

		cmd.Printf("%s (base %s @ %s, status %s)\n", rec.Name, rec.Base, rec.BaseSHA, rec.Status)
		return nil
	},
}

var branchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked automation branches",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		recs, err := a.branch.List(ctx)
		if err != nil {
			return err
		}
		for _, r := range recs {
			cmd.Printf("%-40s %-8s base=%s last_seen=%s\n",
				r.Name, r.Status, r.Base, r.LastSeenAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var (
	commitBranch  string
	commitMessage string
	commitOpenPR  bool
)

var commitCmd = &cobra.Command{
	Use:   "commit <file>...",
	Short: "Apply file changes through the policy gate",
	Long: `Write local files to an automation branch on the host. The commit
message and every path are validated first; nothing is written when any
check fails.

Examples:
  gitopsd commit --branch auto/config-sync -m "chore(config): sync" configs/app.yaml
  gitopsd commit --branch auto/config-sync -m "chore(config): sync" --pr configs/*.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		req := commit.Request{
			TargetBranch:      commitBranch,
			Message:           commitMessage,
			CreatePullRequest: commitOpenPR,
		}
		for _, path := range args {
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			req.Files = append(req.Files, commit.FileChange{Path: path, Content: content})
		}

		res, err := a.commit.Apply(ctx, req)
		if err != nil {
			return err
		}
		cmd.Printf("applied %d file(s) to %s\n", len(res.AppliedPaths), commitBranch)
		if res.PullRequest > 0 {
			cmd.Printf("opened pull request #%d\n", res.PullRequest)
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <message>",
	Short: "Validate a commit message against the conventional grammar",
	Long: `Check a commit message offline. Exits non-zero on violation.

Examples:
  gitopsd validate "chore(config): sync replica counts"
  gitopsd validate "update stuff"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o := policy.ValidateCommitMessage(args[0])
		if o.Valid() {
			cmd.Println("valid")
			return nil
		}
		return policy.Violated(o)
	},
}

func init() {
	branchCmd.AddCommand(branchCreateCmd)
	branchCmd.AddCommand(branchListCmd)

	commitCmd.Flags().StringVar(&commitBranch, "branch", "", "target branch (required)")
	commitCmd.Flags().StringVarP(&commitMessage, "message", "m", "", "commit message (required)")
	commitCmd.Flags().BoolVar(&commitOpenPR, "pr", false, "open a pull request against the protected branch")
	_ = commitCmd.MarkFlagRequired("branch")
	_ = commitCmd.MarkFlagRequired("message")
}
