package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/rflorenc/artifact-migration-workbench/internal/config"
	"github.com/rflorenc/artifact-migration-workbench/internal/connections"
	"github.com/rflorenc/artifact-migration-workbench/internal/migration"
	"github.com/rflorenc/artifact-migration-workbench/internal/models"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// call sends a request to the workbench server and returns the response
// body. Non-2xx answers become errors carrying the server's message.
func call(method, path string, body interface{}) ([]byte, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable: %w", err)
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return data, nil
}

func callJSON(method, path string, body, out interface{}) error {
	data, err := call(method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func newTable(header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	return table
}

func bytesOf(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

var connectionCmd = &cobra.Command{
	Use:   "connection",
	Short: "Manage source connections",
}

var connectionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List source connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		var conns []models.Connection
		if err := callJSON(http.MethodGet, "/api/connections", nil, &conns); err != nil {
			return err
		}
		if len(conns) == 0 {
			fmt.Println("no connections configured")
			return nil
		}
		table := newTable("ID", "NAME", "KIND", "URL", "VERSION", "VERIFIED")
		for _, c := range conns {
			verified := "never"
			if c.VerifiedAt != nil {
				verified = humanize.Time(*c.VerifiedAt)
			}
			table.Append([]string{c.ID, c.Name, string(c.Kind), c.URL, c.RemoteVersion, verified})
		}
		table.Render()
		return nil
	},
}

var connectionTestCmd = &cobra.Command{
	Use:   "test [id]",
	Short: "Test a source connection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result connections.TestResult
		if err := callJSON(http.MethodPost, "/api/connections/"+args[0]+"/test", nil, &result); err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("connection %s: %s", args[0], result.Message)
		}
		fmt.Printf("connection %s ok (remote version %s)\n", args[0], result.RemoteVersion)
		return nil
	},
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage migration jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List migration jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		var jobs []models.Job
		if err := callJSON(http.MethodGet, "/api/migrations", nil, &jobs); err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("no jobs")
			return nil
		}
		table := newTable("ID", "TYPE", "STATUS", "PROGRESS", "DONE/FAILED/SKIPPED", "TRANSFERRED")
		for _, j := range jobs {
			table.Append([]string{
				j.ID,
				string(j.Type),
				string(j.Status),
				fmt.Sprintf("%d%%", j.ProgressPercent),
				fmt.Sprintf("%d/%d/%d of %d", j.CompletedItems, j.FailedItems, j.SkippedItems, j.TotalItems),
				fmt.Sprintf("%s of %s", bytesOf(j.TransferredBytes), bytesOf(j.TotalBytes)),
			})
		}
		table.Render()
		return nil
	},
}

var (
	createConnection string
	createType       string
	createDryRun     bool
	createRepos      []string
)

var jobCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a migration job",
	RunE: func(cmd *cobra.Command, args []string) error {
		var job models.Job
		err := callJSON(http.MethodPost, "/api/migrations", migration.CreateInput{
			SourceConnectionID: createConnection,
			JobType:            createType,
			DryRun:             createDryRun,
			Repositories:       createRepos,
		}, &job)
		if err != nil {
			return err
		}
		fmt.Printf("job created: id=%s type=%s\n", job.ID, job.Type)
		return nil
	},
}

// jobControlCmd builds start, pause, resume and cancel.
func jobControlCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job models.Job
			if err := callJSON(http.MethodPost, "/api/migrations/"+args[0]+"/"+action, nil, &job); err != nil {
				return err
			}
			fmt.Printf("job %s: %s requested (status %s)\n", args[0], action, job.Status)
			return nil
		},
	}
}

var reportFormat string

var jobReportCmd = &cobra.Command{
	Use:   "report [id]",
	Short: "Print the report of a finished job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := call(http.MethodGet, "/api/migrations/"+args[0]+"/report?format="+reportFormat, nil)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Print an example configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return config.WriteExample(os.Stdout)
	},
}

func init() {
	connectionCmd.AddCommand(connectionListCmd, connectionTestCmd)

	jobCreateCmd.Flags().StringVar(&createConnection, "connection", "", "source connection id")
	jobCreateCmd.Flags().StringVar(&createType, "type", "full", "job type: full, incremental or assessment")
	jobCreateCmd.Flags().BoolVar(&createDryRun, "dry-run", false, "enumerate without transferring")
	jobCreateCmd.Flags().StringSliceVar(&createRepos, "repo", nil, "repository to include (repeatable, default all)")
	_ = jobCreateCmd.MarkFlagRequired("connection")

	jobReportCmd.Flags().StringVar(&reportFormat, "format", "json", "report format: json or html")

	jobCmd.AddCommand(
		jobListCmd,
		jobCreateCmd,
		jobControlCmd("start", "Start a job"),
		jobControlCmd("pause", "Pause a running job"),
		jobControlCmd("resume", "Resume a paused job"),
		jobControlCmd("cancel", "Cancel a job"),
		jobReportCmd,
	)
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(connectionCmd, jobCmd, configCmd)
}
