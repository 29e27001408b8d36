package seed

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-io/vigil/internal/monitor"
	"github.com/vigil-io/vigil/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const sampleSeed = `
services:
  - name: web
    checks:
      - name: frontpage
        kind: http
        target: https://example.com/
        interval_seconds: 60
      - name: api metrics
        kind: json-http
        target: https://example.com/metrics
        interval_seconds: 300
        data:
          timeout: 5
          thresholds:
            - path: $.load
              op: "<"
              value: 10
              severity: critical
  - name: mail
    checks:
      - name: smtp reachability
        kind: tcp
        target: mail.example.com:25
        interval_seconds: 120
        disabled: true
`

func writeSeed(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadParsesSeedFile(t *testing.T) {
	file, err := Load(writeSeed(t, sampleSeed))
	require.NoError(t, err)

	require.Len(t, file.Services, 2)
	assert.Equal(t, "web", file.Services[0].Name)
	require.Len(t, file.Services[0].Checks, 2)

	metrics := file.Services[0].Checks[1]
	assert.Equal(t, "json-http", metrics.Kind)
	assert.Equal(t, int64(300), metrics.Interval)
	assert.Contains(t, metrics.Data, "thresholds")

	assert.True(t, file.Services[1].Checks[0].Disabled)
}

func TestLoadRejectsInvalidSeeds(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "not yaml",
			content: "{{{",
		},
		{
			name: "service without name",
			content: `
services:
  - checks:
      - name: x
        kind: http
        interval_seconds: 60
`,
		},
		{
			name: "check without kind",
			content: `
services:
  - name: web
    checks:
      - name: x
        interval_seconds: 60
`,
		},
		{
			name: "non-positive interval",
			content: `
services:
  - name: web
    checks:
      - name: x
        kind: http
        interval_seconds: 0
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeSeed(t, tt.content))
			assert.ErrorIs(t, err, ErrInvalidSeed)
		})
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	file, err := Load(writeSeed(t, sampleSeed))
	require.NoError(t, err)

	require.NoError(t, Apply(ctx, store, file, testLogger()))
	require.NoError(t, Apply(ctx, store, file, testLogger()))

	services, err := store.ListServices(ctx)
	require.NoError(t, err)
	assert.Len(t, services, 2)

	checks, err := store.ListChecks(ctx)
	require.NoError(t, err)
	assert.Len(t, checks, 3)
}

func TestApplyPreservesCheckConfiguration(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	file, err := Load(writeSeed(t, sampleSeed))
	require.NoError(t, err)
	require.NoError(t, Apply(ctx, store, file, testLogger()))

	checks, err := store.ListChecks(ctx)
	require.NoError(t, err)

	var metrics *monitor.Check

	for i := range checks {
		if checks[i].Name == "api metrics" {
			metrics = &checks[i]
		}
	}

	require.NotNil(t, metrics)
	assert.Equal(t, monitor.KindJSONHTTP, metrics.Kind)
	assert.Equal(t, "https://example.com/metrics", metrics.Target)
	assert.JSONEq(t,
		`{"timeout":5,"thresholds":[{"path":"$.load","op":"<","value":10,"severity":"critical"}]}`,
		string(metrics.Data))
}
