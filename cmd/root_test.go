package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alekkss/avito/internal/app"
	"github.com/alekkss/avito/internal/publish"
)

type fakeRunner struct {
	cfgPath  string
	commands []string
	stages   [][]app.Stage
	runErr   error
	stats    app.Stats
	closed   int
	addr     string
}

func (f *fakeRunner) Run(_ context.Context, command string, stages ...app.Stage) (publish.RunSummary, error) {
	f.commands = append(f.commands, command)
	f.stages = append(f.stages, stages)
	return publish.RunSummary{
		RunID:      "run-1",
		Command:    command,
		CrawlState: "done",
		StopReason: "total_pages",
		Pages:      3,
		Listings:   30,
		ReportPath: "avito_report.xlsx",
		Exported:   30,
	}, f.runErr
}

func (f *fakeRunner) Stats(context.Context) (app.Stats, error) { return f.stats, nil }
func (f *fakeRunner) Serve() error                              { return nil }
func (f *fakeRunner) ServerAddr() string                        { return f.addr }
func (f *fakeRunner) Logger() *zap.Logger                       { return zap.NewNop() }

func (f *fakeRunner) Close() error {
	f.closed++
	return nil
}

// useRunner swaps the factory for the duration of the test.
func useRunner(t *testing.T, r *fakeRunner, err error) {
	t.Helper()
	orig := newRunner
	newRunner = func(_ context.Context, cfgPath string) (Runner, error) {
		if err != nil {
			return nil, err
		}
		r.cfgPath = cfgPath
		return r, nil
	}
	t.Cleanup(func() { newRunner = orig })
}

func TestRunCommandRunsAllStages(t *testing.T) {
	r := &fakeRunner{}
	useRunner(t, r, nil)
	var stdout, stderr bytes.Buffer

	code := execute(context.Background(), []string{"run", "--config", "harvester.yaml"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Equal(t, "harvester.yaml", r.cfgPath)
	require.Equal(t, []string{"run"}, r.commands)
	require.Equal(t, [][]app.Stage{app.AllStages}, r.stages)
	require.Equal(t, 1, r.closed)
	require.Contains(t, stdout.String(), "done (total_pages), 3 pages, 30 listings")
	require.Contains(t, stdout.String(), "avito_report.xlsx (30 rows)")
}

func TestStageCommands(t *testing.T) {
	cases := map[string]app.Stage{
		"scrape":    app.StageScrape,
		"normalize": app.StageNormalize,
		"export":    app.StageExport,
	}
	for name, stage := range cases {
		t.Run(name, func(t *testing.T) {
			r := &fakeRunner{}
			useRunner(t, r, nil)
			var out bytes.Buffer
			require.Equal(t, 0, execute(context.Background(), []string{name}, &out, &out))
			require.Equal(t, [][]app.Stage{{stage}}, r.stages)
		})
	}
}

func TestRunFailureExitsNonZero(t *testing.T) {
	r := &fakeRunner{runErr: errors.New("scrape: browser launch failed")}
	useRunner(t, r, nil)
	var stdout, stderr bytes.Buffer

	code := execute(context.Background(), []string{"scrape"}, &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "harvester: scrape: scrape: browser launch failed")
	require.Equal(t, 1, r.closed)
}

func TestInitFailureExitsNonZero(t *testing.T) {
	useRunner(t, nil, errors.New("catalog.url is required"))
	var stdout, stderr bytes.Buffer

	code := execute(context.Background(), []string{"run"}, &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "initialize harvester: catalog.url is required")
}

func TestStatsCommand(t *testing.T) {
	r := &fakeRunner{stats: app.Stats{Raw: 40, Normalized: 35}}
	useRunner(t, r, nil)
	var stdout bytes.Buffer

	require.Equal(t, 0, execute(context.Background(), []string{"stats"}, &stdout, &stdout))
	require.Contains(t, stdout.String(), "raw listings:        40")
	require.Contains(t, stdout.String(), "normalized listings: 35")
	require.Contains(t, stdout.String(), "pending:             5")
	require.Empty(t, r.commands)
}

func TestServeRequiresAddress(t *testing.T) {
	r := &fakeRunner{}
	useRunner(t, r, nil)
	var stdout, stderr bytes.Buffer

	require.Equal(t, 1, execute(context.Background(), []string{"serve"}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "metrics.addr is not configured")
}

func TestServeBlocksUntilCanceled(t *testing.T) {
	r := &fakeRunner{addr: "127.0.0.1:9090"}
	useRunner(t, r, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var stdout bytes.Buffer

	require.Equal(t, 0, execute(ctx, []string{"serve"}, &stdout, &stdout))
	require.Contains(t, stdout.String(), "listening on 127.0.0.1:9090")
	require.Equal(t, 1, r.closed)
}

func TestUnknownCommandFails(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, 1, execute(context.Background(), []string{"crawl"}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "unknown command")
}
