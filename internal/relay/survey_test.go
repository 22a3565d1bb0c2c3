package relay

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"courier/internal/envelope"
	"courier/internal/metrics"
)

func newTestSurveyReporter(t *testing.T, rs *resultServer) (*SurveyReporter, string) {
	t.Helper()

	dir := t.TempDir()
	file := filepath.Join(dir, "surveyresults.json")

	s := NewSurveyReporter(SurveyOptions{
		SurveyFile: file,
		SurveyURL:  rs.srv.URL,
		Delay:      time.Millisecond,
		Client:     &http.Client{Timeout: 5 * time.Second},
		Codec:      envelope.Codec{},
		MachineKey: "machine-a",
		Metrics:    metrics.New(),
		Log:        zerolog.Nop(),
	})
	return s, file
}

func TestSurveyMissingFileIsNoOp(t *testing.T) {
	rs := newResultServer(t)
	s, _ := newTestSurveyReporter(t, rs)

	require.NoError(t, s.Report(context.Background()))
	require.Empty(t, rs.uploads())
}

func TestSurveyUploadDeletesArtifact(t *testing.T) {
	rs := newResultServer(t)
	s, file := newTestSurveyReporter(t, rs)

	require.NoError(t, os.WriteFile(file, []byte(`{"os":"linux","browsers":["firefox"]}`), 0o644))

	require.NoError(t, s.Report(context.Background()))

	uploads := rs.uploads()
	require.Len(t, uploads, 1)
	require.JSONEq(t, `{"os":"linux","browsers":["firefox"]}`, uploads[0])
	require.NoFileExists(t, file)
}

func TestSurveyUploadFailureRetainsArtifact(t *testing.T) {
	rs := newResultServer(t)
	s, file := newTestSurveyReporter(t, rs)

	require.NoError(t, os.WriteFile(file, []byte(`{"os":"linux"}`), 0o644))
	rs.mu.Lock()
	rs.failNext = 1
	rs.mu.Unlock()

	require.Error(t, s.Report(context.Background()))
	require.FileExists(t, file)
}

func TestSurveyRejectsCorruptArtifact(t *testing.T) {
	rs := newResultServer(t)
	s, file := newTestSurveyReporter(t, rs)

	require.NoError(t, os.WriteFile(file, []byte(`{broken`), 0o644))

	require.Error(t, s.Report(context.Background()))
	require.FileExists(t, file)
	require.Empty(t, rs.uploads())
}
