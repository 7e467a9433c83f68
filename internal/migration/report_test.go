package migration

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rflorenc/artifact-migration-workbench/internal/models"
	"github.com/rflorenc/artifact-migration-workbench/internal/source"
	"github.com/rflorenc/artifact-migration-workbench/internal/source/sourcetest"
)

func reportFake() *sourcetest.Fake {
	fake := sourcetest.New("7.71.3")
	fake.AddRepo("libs-release", "maven")
	fake.AddArtifact("libs-release", "org/acme/z.jar", []byte("zulu"))
	fake.AddArtifact("libs-release", "org/acme/a.jar", []byte("alpha"))
	fake.AddEntry(source.Entry{
		Repository: "libs-release",
		Path:       "org/acme/m.jar",
		Type:       models.ItemArtifact,
		Size:       4,
		SHA256:     "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
	}, []byte("mike"))
	return fake
}

func TestReport_IdenticalOutcomesRenderIdentically(t *testing.T) {
	h := newHarness(t, reportFake())
	ctx := context.Background()
	reports := NewReportBuilder(h.store)

	first := h.runToEnd(t, h.create(t, "full", false).ID)
	second := h.runToEnd(t, h.create(t, "full", false).ID)
	require.NotEqual(t, first.ID, second.ID)

	a, contentType, err := reports.Build(ctx, first.ID, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "application/json", contentType)
	b, _, err := reports.Build(ctx, second.ID, "")
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.NotContains(t, string(a), first.ID)

	var rep Report
	require.NoError(t, json.Unmarshal(a, &rep))
	assert.Equal(t, models.JobCompleted, rep.Status)
	assert.Equal(t, 4, rep.TotalItems)
	assert.Equal(t, 1, rep.FailedItems)
	require.Len(t, rep.Items, 4)
	assert.Equal(t, "libs-release", rep.Items[0].SourcePath)
	assert.Equal(t, models.ItemMetadata, rep.Items[0].ItemType)
	assert.Equal(t, "libs-release/org/acme/a.jar", rep.Items[1].SourcePath)
	assert.Equal(t, "libs-release/org/acme/m.jar", rep.Items[2].SourcePath)
	assert.Equal(t, models.ItemFailed, rep.Items[2].Status)
	assert.Equal(t, "libs-release/org/acme/z.jar", rep.Items[3].SourcePath)
}

func TestReport_HTML(t *testing.T) {
	h := newHarness(t, reportFake())
	job := h.runToEnd(t, h.create(t, "full", false).ID)

	out, contentType, err := NewReportBuilder(h.store).Build(context.Background(), job.ID, FormatHTML)
	require.NoError(t, err)
	assert.Equal(t, "text/html; charset=utf-8", contentType)
	html := string(out)
	assert.Contains(t, html, job.ID)
	assert.Contains(t, html, "libs-release/org/acme/a.jar")
	assert.Contains(t, html, "1 failed")
	assert.Contains(t, html, `class="failed"`)
}

func TestReport_Errors(t *testing.T) {
	h := newHarness(t, reportFake())
	ctx := context.Background()
	reports := NewReportBuilder(h.store)

	job := h.create(t, "full", false)
	_, _, err := reports.Build(ctx, job.ID, FormatJSON)
	var nr *models.NotReadyError
	assert.ErrorAs(t, err, &nr, "pending job has no report")

	_, _, err = reports.Build(ctx, job.ID, "xml")
	var vErr *models.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "format", vErr.Field)

	_, _, err = reports.Build(ctx, "missing", FormatJSON)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
