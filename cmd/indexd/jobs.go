package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and retry sync jobs",
}

// jobRecord mirrors the job fields the CLI displays.
type jobRecord struct {
	ID         int64     `json:"id"`
	ProjectID  string    `json:"project_id"`
	TargetType string    `json:"target_type"`
	TargetID   string    `json:"target_id"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	Purge      bool      `json:"purge"`
	NextRunAt  time.Time `json:"next_run_at"`
	LastError  string    `json:"last_error"`
	UpdatedAt  time.Time `json:"updated_at"`
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sync jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/jobs?limit=%d", limit)
		if status != "" {
			path += "&status=" + url.QueryEscape(status)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var jobs []jobRecord
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}

		if len(jobs) == 0 {
			fmt.Println("No sync jobs found.")
			return nil
		}

		for _, j := range jobs {
			printJobLine(j)
		}
		return nil
	},
}

func printJobLine(j jobRecord) {
	target := j.TargetType + "/" + j.TargetID
	if j.Purge {
		target += " (purge)"
	}
	fmt.Printf("%s  %-36s  %s  attempts=%d\n",
		colorize(statusColor(j.Status), fmt.Sprintf("%-10s", j.Status)),
		target,
		j.UpdatedAt.Format(time.RFC3339),
		j.Attempts,
	)
	if j.LastError != "" {
		msg := j.LastError
		if len(msg) > 100 {
			msg = msg[:100] + "..."
		}
		fmt.Printf("            %s\n", msg)
	}
}

func statusColor(status string) string {
	switch status {
	case "pending":
		return colorYellow
	case "processing":
		return colorCyan
	case "synced":
		return colorGreen
	case "failed":
		return colorRed
	default:
		return colorReset
	}
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <type> <id>",
	Short: "Show one target's sync job as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		if project == "" {
			return fmt.Errorf("--project is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/jobs/%s/%s?project=%s",
			url.PathEscape(args[0]), url.PathEscape(args[1]), url.QueryEscape(project))
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var job any
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <type> <id>",
	Short: "Requeue a failed job with a fresh attempt budget",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		if project == "" {
			return fmt.Errorf("--project is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/jobs/%s/%s/retry?project=%s",
			url.PathEscape(args[0]), url.PathEscape(args[1]), url.QueryEscape(project))
		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Requeued %s/%s", args[0], args[1])
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by status (pending, processing, synced, failed)")
	jobsListCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
	jobsShowCmd.Flags().String("project", "", "project of the target")
	jobsRetryCmd.Flags().String("project", "", "project of the target")
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
}
