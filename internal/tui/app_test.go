package tui

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/relay/internal/models"
	"github.com/mpataki/relay/internal/storage"
)

type fakeEngine struct {
	runs      []*models.Run
	executed  []string
	cancelled []string
	deleted   []string
	listErr   error
}

func (f *fakeEngine) ListRuns(_ context.Context, _ storage.RunFilter) ([]*models.Run, error) {
	return f.runs, f.listErr
}

func (f *fakeEngine) GetRun(_ context.Context, id string) (*models.Run, error) {
	for _, r := range f.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeEngine) Execute(
	_ context.Context, flowID string, _ int, _ map[string]any,
) (*models.Run, error) {
	f.executed = append(f.executed, flowID)
	return &models.Run{ID: "new-run", FlowID: flowID}, nil
}

func (f *fakeEngine) Cancel(_ context.Context, id string) (models.RunStatus, error) {
	f.cancelled = append(f.cancelled, id)
	return models.RunStatusRunning, nil
}

func (f *fakeEngine) DeleteRun(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeFlows []*models.Flow

func (f fakeFlows) ListFlows(context.Context, bool) ([]*models.Flow, error) {
	return f, nil
}

var (
	enter = tea.KeyMsg{Type: tea.KeyEnter}
	down  = tea.KeyMsg{Type: tea.KeyDown}
	esc   = tea.KeyMsg{Type: tea.KeyEsc}
)

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func sampleRuns() []*models.Run {
	now := time.Now()
	started := now.Add(-2 * time.Second)
	return []*models.Run{
		{
			ID:        "11111111-aaaa",
			FlowID:    "flow-1",
			Version:   2,
			Status:    models.RunStatusRunning,
			CreatedAt: now,
		},
		{
			ID:             "22222222-bbbb",
			FlowID:         "flow-1",
			Version:        1,
			Status:         models.RunStatusSucceeded,
			PartialFailure: true,
			CreatedAt:      now.Add(-3 * time.Hour),
			Steps: []*models.RunStep{
				{
					Seq: 1, StepID: "read", Connector: "file", Action: "read_file",
					Status: models.StepStatusSucceeded, Attempts: 1,
					Output:    map[string]any{"content": "hello"},
					StartedAt: &started, FinishedAt: &now,
					History: []*models.Attempt{
						{Number: 1, Status: models.StepStatusSucceeded},
					},
				},
				{
					Seq: 2, StepID: "notify", Connector: "email", Action: "send_email",
					Status: models.StepStatusFailed, Attempts: 2,
					Error: &models.StepError{Kind: "connector", Message: "smtp down"},
					History: []*models.Attempt{
						{Number: 1, Status: models.StepStatusFailed,
							Error: &models.StepError{Kind: "connector", Message: "smtp down"}},
						{Number: 2, Status: models.StepStatusFailed,
							Error: &models.StepError{Kind: "connector", Message: "smtp down"}},
					},
				},
			},
		},
	}
}

func newTestApp() (*App, *fakeEngine) {
	eng := &fakeEngine{runs: sampleRuns()}
	flows := fakeFlows{{ID: "flow-1", Name: "order-intake", LatestVersion: 2}}
	app := NewApp(eng, flows)
	app.Update(app.loadFlows())
	app.Update(app.loadRuns())
	return app, eng
}

func send(t *testing.T, app *App, msg tea.Msg) tea.Cmd {
	t.Helper()
	model, cmd := app.Update(msg)
	require.Same(t, app, model)
	return cmd
}

func TestRunListView(t *testing.T) {
	app, _ := newTestApp()

	view := app.View()
	assert.Contains(t, view, "Relay")
	assert.Contains(t, view, "order-intake")
	assert.Contains(t, view, "11111111")
	assert.Contains(t, view, "running")
	assert.Contains(t, view, "completed with errors")
	assert.True(t, app.hasActiveRuns())
}

func TestRunDetailAndOutput(t *testing.T) {
	app, _ := newTestApp()

	send(t, app, down)
	cmd := send(t, app, enter)
	require.NotNil(t, cmd)
	send(t, app, cmd())
	require.Equal(t, ViewRunDetail, app.view)

	view := app.View()
	assert.Contains(t, view, "order-intake v1")
	assert.Contains(t, view, "file.read_file")
	assert.Contains(t, view, "attempts:2")

	send(t, app, enter)
	require.Equal(t, ViewOutput, app.view)
	assert.Contains(t, app.View(), `"content": "hello"`)

	send(t, app, esc)
	send(t, app, down)
	send(t, app, enter)
	view = app.View()
	assert.Contains(t, view, "attempt 2")
	assert.Contains(t, view, "connector: smtp down")
	assert.Contains(t, view, "(no output)")

	send(t, app, esc)
	cmd = send(t, app, esc)
	assert.Equal(t, ViewRunList, app.view)
	assert.NotNil(t, cmd)
}

func TestStartRunFromFlowList(t *testing.T) {
	app, eng := newTestApp()

	cmd := send(t, app, runes("n"))
	require.Equal(t, ViewNewRun, app.view)
	send(t, app, cmd())
	assert.Contains(t, app.View(), "order-intake")

	cmd = send(t, app, enter)
	require.NotNil(t, cmd)
	msg := cmd()
	started, ok := msg.(runStartedMsg)
	require.True(t, ok)
	assert.Equal(t, "new-run", started.runID)
	assert.Equal(t, []string{"flow-1"}, eng.executed)

	send(t, app, msg)
	assert.Equal(t, ViewRunList, app.view)
}

func TestCancelAndDelete(t *testing.T) {
	app, eng := newTestApp()

	cmd := send(t, app, runes("x"))
	require.NotNil(t, cmd)
	cmd()
	assert.Equal(t, []string{"11111111-aaaa"}, eng.cancelled)

	send(t, app, down)
	cmd = send(t, app, runes("d"))
	require.NotNil(t, cmd)
	send(t, app, cmd())
	assert.Equal(t, []string{"22222222-bbbb"}, eng.deleted)
	assert.Equal(t, 0, app.selectedIdx)
}

func TestLoadErrorIsShown(t *testing.T) {
	app, eng := newTestApp()
	eng.listErr = errors.New("database locked")

	send(t, app, app.loadRuns())
	assert.Contains(t, app.View(), "database locked")
}

func TestQuit(t *testing.T) {
	app, _ := newTestApp()

	cmd := send(t, app, runes("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())

	cmd = send(t, app, tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestFormatTimeAgo(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		age  time.Duration
		want string
	}{
		{10 * time.Second, "now"},
		{5 * time.Minute, "5m ago"},
		{3 * time.Hour, "3h ago"},
		{49 * time.Hour, "2d ago"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatTimeAgo(now.Add(-tt.age), now))
	}
}

func TestTruncateAndDuration(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdefgh", 5))
	assert.Equal(t, "500ms", formatDuration(500*time.Millisecond))
	assert.Equal(t, "1m30s", formatDuration(90*time.Second))
	assert.Equal(t, "2h5m", formatDuration(2*time.Hour+5*time.Minute))
}
