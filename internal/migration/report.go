package migration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/rflorenc/artifact-migration-workbench/internal/models"
	"github.com/rflorenc/artifact-migration-workbench/internal/store"
)

// Report formats.
const (
	FormatJSON = "json"
	FormatHTML = "html"
)

// Report is the outcome of a finished job. It carries no ids or timestamps,
// so identical outcomes render identically.
type Report struct {
	JobType          models.JobType   `json:"job_type"`
	Status           models.JobStatus `json:"status"`
	DryRun           bool             `json:"dry_run"`
	Repositories     []string         `json:"repositories"`
	TotalItems       int              `json:"total_items"`
	CompletedItems   int              `json:"completed_items"`
	FailedItems      int              `json:"failed_items"`
	SkippedItems     int              `json:"skipped_items"`
	TotalBytes       int64            `json:"total_bytes"`
	TransferredBytes int64            `json:"transferred_bytes"`
	ErrorSummary     string           `json:"error_summary"`
	Items            []ReportItem     `json:"items"`
}

// ReportItem is one item's final state.
type ReportItem struct {
	SourcePath   string            `json:"source_path"`
	TargetPath   string            `json:"target_path"`
	ItemType     models.ItemType   `json:"item_type"`
	Status       models.ItemStatus `json:"status"`
	SizeBytes    int64             `json:"size_bytes"`
	ErrorMessage string            `json:"error_message"`
}

// ReportBuilder renders reports for terminal jobs.
type ReportBuilder struct {
	store *store.Store
}

func NewReportBuilder(st *store.Store) *ReportBuilder {
	return &ReportBuilder{store: st}
}

// Build renders the job's report in format and returns it with its content type.
func (b *ReportBuilder) Build(ctx context.Context, jobID, format string) ([]byte, string, error) {
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatHTML {
		return nil, "", &models.ValidationError{Field: "format", Reason: "must be json or html"}
	}

	job, err := b.store.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, "", err
	}
	if !job.Status.Terminal() {
		return nil, "", &models.NotReadyError{Op: "report", Status: job.Status, Reason: "job has not finished"}
	}
	items, err := b.store.Items.All(ctx, jobID)
	if err != nil {
		return nil, "", err
	}
	rep := newReport(job, items)

	if format == FormatHTML {
		out, err := renderHTML(job, rep)
		return out, "text/html; charset=utf-8", err
	}
	out, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("encoding report: %w", err)
	}
	return append(out, '\n'), "application/json", nil
}

func newReport(job *models.Job, items []models.Item) *Report {
	repos := append([]string{}, job.Config.Repositories...)
	sort.Strings(repos)

	rep := &Report{
		JobType:          job.Type,
		Status:           job.Status,
		DryRun:           job.Config.DryRun,
		Repositories:     repos,
		TotalItems:       job.TotalItems,
		CompletedItems:   job.CompletedItems,
		FailedItems:      job.FailedItems,
		SkippedItems:     job.SkippedItems,
		TotalBytes:       job.TotalBytes,
		TransferredBytes: job.TransferredBytes,
		ErrorSummary:     job.ErrorSummary,
		Items:            make([]ReportItem, 0, len(items)),
	}
	for _, it := range items {
		rep.Items = append(rep.Items, ReportItem{
			SourcePath:   it.SourcePath,
			TargetPath:   it.TargetPath,
			ItemType:     it.Type,
			Status:       it.Status,
			SizeBytes:    it.SizeBytes,
			ErrorMessage: it.ErrorMessage,
		})
	}
	sort.SliceStable(rep.Items, func(i, j int) bool {
		a, b := rep.Items[i], rep.Items[j]
		if a.SourcePath != b.SourcePath {
			return a.SourcePath < b.SourcePath
		}
		return a.ItemType < b.ItemType
	})
	return rep
}

var reportTmpl = template.Must(template.New("report").Funcs(template.FuncMap{
	"bytes": func(n int64) string {
		if n < 0 {
			n = 0
		}
		return humanize.Bytes(uint64(n))
	},
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Migration report {{.JobID}}</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #ccc; padding: 4px 8px; text-align: left; }
.failed { color: #b00020; }
.skipped { color: #777; }
</style>
</head>
<body>
<h1>Migration report</h1>
<p>Job <code>{{.JobID}}</code> ({{.Report.JobType}}{{if .Report.DryRun}}, dry run{{end}}) finished <strong>{{.Report.Status}}</strong>{{if .Finished}} at {{.Finished}}{{end}}.</p>
<ul>
<li>Items: {{.Report.TotalItems}} total, {{.Report.CompletedItems}} completed, {{.Report.FailedItems}} failed, {{.Report.SkippedItems}} skipped</li>
<li>Transferred: {{bytes .Report.TransferredBytes}} of {{bytes .Report.TotalBytes}}</li>
{{- if .Report.ErrorSummary}}
<li class="failed">{{.Report.ErrorSummary}}</li>
{{- end}}
</ul>
<table>
<tr><th>Source</th><th>Target</th><th>Type</th><th>Status</th><th>Size</th><th>Error</th></tr>
{{- range .Report.Items}}
<tr class="{{.Status}}"><td>{{.SourcePath}}</td><td>{{.TargetPath}}</td><td>{{.ItemType}}</td><td>{{.Status}}</td><td>{{bytes .SizeBytes}}</td><td>{{.ErrorMessage}}</td></tr>
{{- end}}
</table>
</body>
</html>
`))

func renderHTML(job *models.Job, rep *Report) ([]byte, error) {
	data := struct {
		JobID    string
		Finished string
		Report   *Report
	}{JobID: job.ID, Report: rep}
	if job.FinishedAt != nil {
		data.Finished = job.FinishedAt.UTC().Format("2006-01-02 15:04:05 MST")
	}
	var buf bytes.Buffer
	if err := reportTmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("rendering report: %w", err)
	}
	return buf.Bytes(), nil
}
