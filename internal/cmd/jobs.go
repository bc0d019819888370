package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gotuner/pkg/jobregistry"
	"github.com/3leaps/gotuner/pkg/workspace"
)

var jobsWorkspace string

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect job records on a worker",
	Long: `Inspect the job records the worker writes under <workspace>/jobs.

Each job has a stable id, a job.json with its current stage, and the path of
its training log. Job ids may be shortened to any unique prefix.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job_id>",
	Short: "Show one job record",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Print a job's training log",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete old finished job records",
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsLogsCmd, jobsGCCmd)

	jobsCmd.PersistentFlags().StringVar(&jobsWorkspace, "workspace", "", "Workspace root (default from config)")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsShowCmd.Flags().Bool("json", false, "Output as JSON")
	jobsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = whole log)")
	jobsGCCmd.Flags().String("max-age", "168h", "Delete finished jobs older than this duration")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be deleted")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func jobsStore(cmd *cobra.Command) (*jobregistry.Store, error) {
	root := jobsWorkspace
	if root == "" {
		cfg, err := loadConfig(cmd, nil)
		if err != nil {
			return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
		}
		root = cfg.Workspace.Root
	}
	return jobregistry.NewStore(workspace.New(root).Jobs), nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := jobsStore(cmd)
	if err != nil {
		return err
	}
	jobs, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list jobs", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tSTATE\tCREATED\tENDED\tEXIT\tFILES\tDATASET")
	for _, j := range jobs {
		exit := "-"
		if j.ExitCode != nil {
			exit = fmt.Sprintf("%d", *j.ExitCode)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			shortJobID(j.JobID),
			j.State,
			j.CreatedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(j.EndedAt),
			exit,
			j.Files,
			orDash(j.DatasetURL),
		)
	}
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := jobsStore(cmd)
	if err != nil {
		return err
	}
	rec, err := lookupJob(store, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(out, "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(out, "state=%s\n", rec.State)
	if rec.DatasetURL != "" {
		_, _ = fmt.Fprintf(out, "dataset_url=%s\n", rec.DatasetURL)
	}
	_, _ = fmt.Fprintf(out, "created_at=%s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(out, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	if rec.ExitCode != nil {
		_, _ = fmt.Fprintf(out, "exit_code=%d\n", *rec.ExitCode)
	}
	if rec.LogPath != "" {
		_, _ = fmt.Fprintf(out, "log_path=%s\n", rec.LogPath)
	}
	if rec.Files > 0 {
		_, _ = fmt.Fprintf(out, "files=%d\n", rec.Files)
	}
	if rec.Error != "" {
		_, _ = fmt.Fprintf(out, "error=%s\n", rec.Error)
	}
	return nil
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	tailN, _ := cmd.Flags().GetInt("tail")
	if tailN < 0 {
		tailN = 0
	}

	store, err := jobsStore(cmd)
	if err != nil {
		return err
	}
	rec, err := lookupJob(store, args[0])
	if err != nil {
		return err
	}
	if rec.LogPath == "" {
		return exitError(foundry.ExitFileNotFound, "No training log", fmt.Errorf("job %s has not started training (state=%s)", rec.JobID, rec.State))
	}
	if err := printLogTail(cmd.OutOrStdout(), rec.LogPath, tailN); err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read training log", err)
	}
	return nil
}

type jobsGCResult struct {
	Deleted     int    `json:"deleted"`
	WouldDelete int    `json:"would_delete"`
	DryRun      bool   `json:"dry_run"`
	MaxAge      string `json:"max_age"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", err)
	}
	if maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", fmt.Errorf("must be > 0"))
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := jobsStore(cmd)
	if err != nil {
		return err
	}
	jobs, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list jobs", err)
	}

	now := time.Now().UTC()
	deleted := 0
	for _, j := range jobs {
		if !j.State.Terminal() {
			continue
		}
		ended := j.CreatedAt
		if j.EndedAt != nil {
			ended = *j.EndedAt
		}
		if now.Sub(ended.UTC()) <= maxAge {
			continue
		}
		if !dryRun {
			if err := store.Delete(j.JobID); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to delete job", err)
			}
		}
		deleted++
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		res := jobsGCResult{DryRun: dryRun, MaxAge: maxAgeStr}
		if dryRun {
			res.WouldDelete = deleted
		} else {
			res.Deleted = deleted
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if dryRun {
		_, _ = fmt.Fprintf(out, "would_delete=%d\n", deleted)
		return nil
	}
	_, _ = fmt.Fprintf(out, "deleted=%d\n", deleted)
	return nil
}

// lookupJob resolves an exact id or a unique prefix.
func lookupJob(store *jobregistry.Store, input string) (*jobregistry.JobRecord, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, exitError(foundry.ExitInvalidArgument, "Missing job id", fmt.Errorf("job_id is required"))
	}
	if rec, err := store.Get(input); err == nil {
		return rec, nil
	}

	jobs, err := store.List()
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Failed to list jobs", err)
	}
	var matches []string
	for _, j := range jobs {
		if strings.HasPrefix(j.JobID, input) {
			matches = append(matches, j.JobID)
		}
	}
	switch len(matches) {
	case 0:
		return nil, exitError(foundry.ExitFileNotFound, "Job not found", fmt.Errorf("no job matches %q", input))
	case 1:
		rec, err := store.Get(matches[0])
		if err != nil {
			return nil, exitError(foundry.ExitFileReadError, "Failed to read job", err)
		}
		return rec, nil
	default:
		return nil, exitError(foundry.ExitInvalidArgument, "Ambiguous job id",
			fmt.Errorf("prefix %q matches %d jobs; use the full job_id", input, len(matches)))
	}
}

func printLogTail(out io.Writer, path string, tailN int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if tailN <= 0 {
		_, err := io.Copy(out, f)
		return err
	}
	lines, err := tailLines(f, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(out, line)
	}
	return nil
}

// tailLines keeps the last n lines of r. Lines may be arbitrarily long.
func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	br := bufio.NewReader(r)
	buf := make([]string, 0, n)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			if len(buf) < n {
				buf = append(buf, line)
			} else {
				copy(buf, buf[1:])
				buf[n-1] = line
			}
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
