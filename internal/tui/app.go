package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mpataki/relay/internal/models"
	"github.com/mpataki/relay/internal/storage"
)

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewNewRun
	ViewOutput
)

// Engine is the slice of the execution engine the monitor drives
type Engine interface {
	ListRuns(ctx context.Context, f storage.RunFilter) ([]*models.Run, error)
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	Execute(ctx context.Context, flowID string, version int, inputs map[string]any) (*models.Run, error)
	Cancel(ctx context.Context, runID string) (models.RunStatus, error)
	DeleteRun(ctx context.Context, runID string) error
}

type FlowLister interface {
	ListFlows(ctx context.Context, includeRetired bool) ([]*models.Flow, error)
}

const (
	runListLimit    = 20
	refreshInterval = 2 * time.Second
	requestTimeout  = 5 * time.Second
)

type App struct {
	engine Engine
	flows  FlowLister
	keys   keyMap
	help   help.Model

	view        View
	runs        []*models.Run
	flowList    []*models.Flow
	flowNames   map[string]string
	selectedIdx int
	selectedRun *models.Run
	stepIdx     int
	flowIdx     int

	width  int
	height int
	err    error
}

func NewApp(engine Engine, flows FlowLister) *App {
	return &App{
		engine:    engine,
		flows:     flows,
		keys:      defaultKeys(),
		help:      help.New(),
		view:      ViewRunList,
		flowNames: map[string]string{},
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadFlows, a.loadRuns, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasActiveRuns() bool {
	for _, run := range a.runs {
		if !run.Status.IsTerminal() {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.help.Width = msg.Width
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.selectedIdx >= len(a.runs) {
			a.selectedIdx = max(len(a.runs)-1, 0)
		}
		return a, nil

	case flowsLoadedMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.flowList = msg.flows
		for _, f := range msg.flows {
			a.flowNames[f.ID] = f.Name
		}
		return a, nil

	case tickMsg:
		switch {
		case a.view == ViewRunList && a.hasActiveRuns():
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		case a.view == ViewRunDetail && a.selectedRun != nil &&
			!a.selectedRun.Status.IsTerminal():
			return a, tea.Batch(a.loadRunDetail(a.selectedRun.ID), a.tickCmd())
		}
		return a, a.tickCmd()

	case runDetailMsg:
		a.err = msg.err
		if msg.err == nil {
			a.selectedRun = msg.run
			if a.stepIdx >= len(msg.run.Steps) {
				a.stepIdx = max(len(msg.run.Steps)-1, 0)
			}
			if a.view == ViewRunList {
				a.view = ViewRunDetail
			}
		}
		return a, nil

	case runStartedMsg:
		a.err = msg.err
		a.view = ViewRunList
		return a, a.loadRuns

	case runCancelledMsg:
		a.err = msg.err
		if a.view == ViewRunDetail && a.selectedRun != nil {
			return a, a.loadRunDetail(a.selectedRun.ID)
		}
		return a, a.loadRuns

	case runDeletedMsg:
		a.err = msg.err
		if a.selectedIdx >= len(a.runs)-1 && a.selectedIdx > 0 {
			a.selectedIdx--
		}
		return a, a.loadRuns
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, a.keys.ForceQuit) {
		return a, tea.Quit
	}
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	case ViewNewRun:
		return a.handleNewRunKey(msg)
	case ViewOutput:
		return a.handleOutputKey(msg)
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, a.keys.Quit):
		return a, tea.Quit

	case key.Matches(msg, a.keys.Up):
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case key.Matches(msg, a.keys.Down):
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case key.Matches(msg, a.keys.Open):
		if run := a.currentRun(); run != nil {
			a.stepIdx = 0
			return a, a.loadRunDetail(run.ID)
		}

	case key.Matches(msg, a.keys.New):
		a.view = ViewNewRun
		a.flowIdx = 0
		return a, a.loadFlows

	case key.Matches(msg, a.keys.Refresh):
		return a, a.loadRuns

	case key.Matches(msg, a.keys.Cancel):
		if run := a.currentRun(); run != nil {
			return a, a.cancelRun(run.ID)
		}

	case key.Matches(msg, a.keys.Delete):
		if run := a.currentRun(); run != nil {
			return a, a.deleteRun(run.ID)
		}
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, a.keys.Back), key.Matches(msg, a.keys.Quit):
		a.view = ViewRunList
		a.selectedRun = nil
		a.stepIdx = 0
		return a, a.loadRuns

	case key.Matches(msg, a.keys.Up):
		if a.stepIdx > 0 {
			a.stepIdx--
		}

	case key.Matches(msg, a.keys.Down):
		if a.selectedRun != nil && a.stepIdx < len(a.selectedRun.Steps)-1 {
			a.stepIdx++
		}

	case key.Matches(msg, a.keys.Open):
		if a.currentStep() != nil {
			a.view = ViewOutput
		}

	case key.Matches(msg, a.keys.Cancel):
		if a.selectedRun != nil {
			return a, a.cancelRun(a.selectedRun.ID)
		}
	}

	return a, nil
}

func (a *App) handleOutputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, a.keys.Back) || key.Matches(msg, a.keys.Quit) {
		a.view = ViewRunDetail
	}
	return a, nil
}

func (a *App) handleNewRunKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, a.keys.Back):
		a.view = ViewRunList

	case key.Matches(msg, a.keys.Up):
		if a.flowIdx > 0 {
			a.flowIdx--
		}

	case key.Matches(msg, a.keys.Down):
		if a.flowIdx < len(a.flowList)-1 {
			a.flowIdx++
		}

	case key.Matches(msg, a.keys.Open):
		if a.flowIdx < len(a.flowList) {
			return a, a.startRun(a.flowList[a.flowIdx].ID)
		}
	}

	return a, nil
}

func (a *App) currentRun() *models.Run {
	if a.selectedIdx < len(a.runs) {
		return a.runs[a.selectedIdx]
	}
	return nil
}

func (a *App) currentStep() *models.RunStep {
	if a.selectedRun == nil || a.stepIdx >= len(a.selectedRun.Steps) {
		return nil
	}
	return a.selectedRun.Steps[a.stepIdx]
}

func (a *App) flowName(id string) string {
	if name, ok := a.flowNames[id]; ok {
		return name
	}
	return shortID(id)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Messages

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

type flowsLoadedMsg struct {
	flows []*models.Flow
	err   error
}

type runDetailMsg struct {
	run *models.Run
	err error
}

type runStartedMsg struct {
	runID string
	err   error
}

type runCancelledMsg struct {
	runID string
	err   error
}

type runDeletedMsg struct {
	runID string
	err   error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	runs, err := a.engine.ListRuns(ctx, storage.RunFilter{Limit: runListLimit})
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadFlows() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	flows, err := a.flows.ListFlows(ctx, false)
	return flowsLoadedMsg{flows: flows, err: err}
}

func (a *App) loadRunDetail(id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		run, err := a.engine.GetRun(ctx, id)
		return runDetailMsg{run: run, err: err}
	}
}

func (a *App) startRun(flowID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		run, err := a.engine.Execute(ctx, flowID, models.LatestVersion, nil)
		if err != nil {
			return runStartedMsg{err: err}
		}
		return runStartedMsg{runID: run.ID}
	}
}

func (a *App) cancelRun(id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if _, err := a.engine.Cancel(ctx, id); err != nil {
			return runCancelledMsg{err: err}
		}
		return runCancelledMsg{runID: id}
	}
}

func (a *App) deleteRun(id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := a.engine.DeleteRun(ctx, id); err != nil {
			return runDeletedMsg{err: err}
		}
		return runDeletedMsg{runID: id}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
