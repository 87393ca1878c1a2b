package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func testReport() *Report {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r := newReport(uuid.MustParse("6f1b3c8e-2a4d-4e1f-9c7a-0b5d8e2f1a3c"), start)
	r.State = Aborted
	r.Phases = []PhaseResult{
		{Phase: PhaseAssertPresence, Started: start, Finished: start.Add(time.Minute)},
		{Phase: PhaseEnrollKeys, Started: start.Add(time.Minute), Finished: start.Add(3 * time.Minute),
			Error: "enforcement mismatch", Kind: "EnforcementMismatch"},
	}
	return r
}

func TestReportSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, testReport().Save(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"run_id": "6f1b3c8e-2a4d-4e1f-9c7a-0b5d8e2f1a3c"`)
	assert.Contains(t, string(b), `"kind": "EnforcementMismatch"`)

	assert.Error(t, testReport().Save(filepath.Join(t.TempDir(), "missing", "report.json")))
}

func TestReportLog(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := testReport()
	r.Log(zap.New(core))

	entries := logs.All()
	require.Len(t, entries, 3)
	for i, table := range []struct {
		msg   string
		level zapcore.Level
	}{
		{"PASS", zapcore.InfoLevel},
		{"FAIL", zapcore.ErrorLevel},
		{"run finished", zapcore.InfoLevel},
	} {
		if got := entries[i]; got.Message != table.msg || got.Level != table.level {
			t.Errorf("%d: got %s %q but wanted %s %q", i, got.Level, got.Message, table.level, table.msg)
		}
	}
	assert.Equal(t, false, entries[2].ContextMap()["passed"])
	assert.False(t, r.Passed())
}
