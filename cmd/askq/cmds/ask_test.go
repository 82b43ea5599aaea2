package cmds

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/askq/pkg/events"
	"github.com/go-go-golems/askq/pkg/session"
	"github.com/go-go-golems/askq/pkg/summary"
)

func TestAskPrinterReportsOutcome(t *testing.T) {
	var buf bytes.Buffer
	p := &askPrinter{w: &buf, answers: true, results: make(chan askResult, 1)}

	full := "Paris."
	p.handle(events.NewLifecycle("s", events.LifecycleStarting, "Starting processing with 1 models in batch mode", 10))
	p.handle(&events.ModelUpdate{Model: "llama3", Status: session.RunCompleted, FullResponse: &full, SessionID: "s"})
	p.handle(&events.ModelUpdate{Model: "mistral", Status: session.RunError, Error: "timeout", SessionID: "s"})
	p.handle(events.NewReport(&summary.Report{SessionID: "s", BestModel: "llama3"}))

	res := <-p.results
	require.NoError(t, res.err)
	require.Equal(t, "llama3", res.report.BestModel)
	require.Contains(t, buf.String(), "[ 10%] Starting processing with 1 models in batch mode")
	require.Contains(t, buf.String(), "--- llama3 ---\nParis.")
	require.Contains(t, buf.String(), "--- mistral failed: timeout")
}

func TestAskPrinterSurfacesLifecycleError(t *testing.T) {
	p := &askPrinter{w: &bytes.Buffer{}, results: make(chan askResult, 1)}
	p.handle(events.NewLifecycle("s", events.LifecycleError, "No models available", 0))
	// a second outcome is ignored
	p.handle(events.NewReport(&summary.Report{SessionID: "s"}))

	res := <-p.results
	require.EqualError(t, res.err, "No models available")
}

func TestWriteReportFormats(t *testing.T) {
	report := &summary.Report{SessionID: "s1", Question: "q", BestModel: "llama3", TotalModels: 2, CompletedModels: 1}

	var js bytes.Buffer
	require.NoError(t, writeReport(&js, "json", report))
	var decoded summary.Report
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	require.Equal(t, "llama3", decoded.BestModel)

	var ym bytes.Buffer
	require.NoError(t, writeReport(&ym, "yaml", report))
	var fromYAML map[string]any
	require.NoError(t, yaml.Unmarshal(ym.Bytes(), &fromYAML))
	require.NotEmpty(t, fromYAML)

	var md bytes.Buffer
	require.NoError(t, writeReport(&md, "text", report))
	require.Contains(t, md.String(), "**Best model:** llama3 (1/2 models completed)")
}
