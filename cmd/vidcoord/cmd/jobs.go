package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/psantana5/vidcoord/pkg/api"
	"github.com/psantana5/vidcoord/pkg/jobs"
	"github.com/psantana5/vidcoord/pkg/models"
	"github.com/psantana5/vidcoord/pkg/query"
)

var (
	jobType     string
	jobPriority int
	jobSettings string

	listPage    int
	listLimit   int
	listSort    string
	listOrder   string
	listStatus  string
	listSearch  string
	listJobType string

	reportProgress int
	reportError    string
	reportResult   string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage processing jobs",
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create <video-id>",
	Short: "Create a processing job on a video",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCreate,
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var job models.Job
		if err := call(http.MethodGet, "/jobs/"+url.PathEscape(args[0]), nil, &job, http.StatusOK); err != nil {
			return err
		}
		return printJob(&job)
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs visible to the caller",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listJobs("/jobs")
	},
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a finished job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(http.MethodDelete, "/jobs/"+url.PathEscape(args[0]), nil, nil, http.StatusNoContent); err != nil {
			return err
		}
		fmt.Printf("Job %s deleted\n", args[0])
		return nil
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var job models.Job
		if err := call(http.MethodPost, "/jobs/"+url.PathEscape(args[0])+"/cancel", nil, &job, http.StatusOK); err != nil {
			return err
		}
		return printJob(&job)
	},
}

var jobsReportCmd = &cobra.Command{
	Use:   "report <job-id> <status>",
	Short: "Send a worker status report (in_progress, completed, failed, cancelled)",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobsReport,
}

var jobsProgressCmd = &cobra.Command{
	Use:   "progress <job-id> <percent>",
	Short: "Report progress of a running job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pct, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("percent must be an integer: %w", err)
		}
		var job models.Job
		body := api.ProgressRequest{Progress: &pct}
		if err := call(http.MethodPost, "/jobs/"+url.PathEscape(args[0])+"/progress", body, &job, http.StatusOK); err != nil {
			return err
		}
		return printJob(&job)
	},
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st query.Stats
		if err := call(http.MethodGet, "/jobs/stats", nil, &st, http.StatusOK); err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(st)
		}
		table := newTable("Metric", "Value")
		table.Append([]string{"Total", strconv.Itoa(st.Total)})
		table.Append([]string{"Active", strconv.Itoa(st.Active)})
		table.Append([]string{"Completed", strconv.Itoa(st.Completed)})
		table.Append([]string{"Failed", strconv.Itoa(st.Failed)})
		table.Append([]string{"Cancelled", strconv.Itoa(st.Cancelled)})
		for _, t := range models.AllJobTypes() {
			table.Append([]string{"Type "+string(t), strconv.Itoa(st.ByType[t])})
		}
		table.Append([]string{"Avg processing", fmt.Sprintf("%.1fs", st.AvgProcessingSeconds)})
		return table.Render()
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsCreateCmd, jobsGetCmd, jobsListCmd, jobsCancelCmd, jobsDeleteCmd, jobsReportCmd, jobsProgressCmd, jobsStatsCmd)

	jobsCreateCmd.Flags().StringVar(&jobType, "type", string(models.JobTypeEncoding), "job type: encoding, thumbnail, metadata_extraction, quality_analysis, upload_to_cdn")
	jobsCreateCmd.Flags().IntVar(&jobPriority, "priority", models.DefaultPriority, "priority 1-10, higher runs first")
	jobsCreateCmd.Flags().StringVar(&jobSettings, "settings", "", "worker settings as a JSON object")

	addListFlags(jobsListCmd)
	jobsListCmd.Flags().StringVar(&listJobType, "type", "", "filter by job type")

	jobsReportCmd.Flags().IntVar(&reportProgress, "progress", -1, "progress percentage to record with the report")
	jobsReportCmd.Flags().StringVar(&reportError, "error", "", "error message for a failed report")
	jobsReportCmd.Flags().StringVar(&reportResult, "result", "", "result data as a JSON object for a completed report")
}

func addListFlags(c *cobra.Command) {
	c.Flags().IntVar(&listPage, "page", 1, "page number")
	c.Flags().IntVar(&listLimit, "limit", 20, "items per page (max 100)")
	c.Flags().StringVar(&listSort, "sort", "", "sort field")
	c.Flags().StringVar(&listOrder, "order", "desc", "sort order: asc or desc")
	c.Flags().StringVar(&listStatus, "status", "", "filter by status")
	c.Flags().StringVar(&listSearch, "search", "", "search text")
}

func listQuery() string {
	q := url.Values{}
	q.Set("page", strconv.Itoa(listPage))
	q.Set("limit", strconv.Itoa(listLimit))
	for k, v := range map[string]string{"sort": listSort, "order": listOrder, "status": listStatus, "search": listSearch, "job_type": listJobType} {
		if v != "" {
			q.Set(k, v)
		}
	}
	return "?" + q.Encode()
}

func parsePayload(flag, raw string) (models.Payload, error) {
	if raw == "" {
		return nil, nil
	}
	var p models.Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", flag, err)
	}
	return p, nil
}

func runJobsCreate(cmd *cobra.Command, args []string) error {
	settings, err := parsePayload("settings", jobSettings)
	if err != nil {
		return err
	}
	req := jobs.CreateRequest{
		VideoID:  args[0],
		JobType:  models.JobType(jobType),
		Priority: &jobPriority,
		Settings: settings,
	}
	var job models.Job
	if err := call(http.MethodPost, "/jobs", req, &job, http.StatusCreated); err != nil {
		return err
	}
	if err := printJob(&job); err != nil {
		return err
	}
	if !IsJSONOutput() {
		fmt.Printf("\nJob %s queued\n", job.ID)
	}
	return nil
}

func runJobsReport(cmd *cobra.Command, args []string) error {
	result, err := parsePayload("result", reportResult)
	if err != nil {
		return err
	}
	report := models.StatusReport{
		JobID:      args[0],
		Status:     models.JobStatus(args[1]),
		ResultData: result,
	}
	if reportProgress >= 0 {
		report.Progress = &reportProgress
	}
	if reportError != "" {
		report.ErrorMessage = &reportError
	}
	var job models.Job
	if err := call(http.MethodPost, "/jobs/"+url.PathEscape(args[0])+"/status", report, &job, http.StatusOK); err != nil {
		return err
	}
	return printJob(&job)
}

func listJobs(path string) error {
	var page query.Page[*models.Job]
	if err := call(http.MethodGet, path+listQuery(), nil, &page, http.StatusOK); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(page)
	}
	if len(page.Items) == 0 {
		fmt.Println("No jobs found")
		return nil
	}
	table := newTable("ID", "Video", "Type", "Status", "Priority", "Progress", "Created")
	for _, j := range page.Items {
		table.Append([]string{j.ID, j.VideoID, string(j.JobType), string(j.Status),
			strconv.Itoa(j.Priority), fmt.Sprintf("%d%%", j.Progress), formatTime(&j.CreatedAt)})
	}
	if err := table.Render(); err != nil {
		return err
	}
	p := page.Pagination
	fmt.Printf("\nPage %d of %d (%d jobs)\n", p.CurrentPage, p.TotalPages, p.TotalCount)
	return nil
}

func printJob(j *models.Job) error {
	if IsJSONOutput() {
		return printJSON(j)
	}
	table := newTable("Field", "Value")
	table.Append([]string{"ID", j.ID})
	table.Append([]string{"Video", j.VideoID})
	table.Append([]string{"Type", string(j.JobType)})
	table.Append([]string{"Status", string(j.Status)})
	table.Append([]string{"Priority", strconv.Itoa(j.Priority)})
	table.Append([]string{"Progress", fmt.Sprintf("%d%%", j.Progress)})
	table.Append([]string{"Created", formatTime(&j.CreatedAt)})
	table.Append([]string{"Started", formatTime(j.StartedAt)})
	table.Append([]string{"Completed", formatTime(j.CompletedAt)})
	if j.ErrorMessage != nil {
		table.Append([]string{"Error", *j.ErrorMessage})
	}
	return table.Render()
}
