package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/gambtho/container-assist/internal/workflow"
)

// RunFunc executes the pipeline run the dashboard follows.
type RunFunc func(ctx context.Context) (*workflow.Result, error)

// Run displays the dashboard while run executes and returns the run's
// outcome. Quitting the dashboard cancels the run's context; the
// coordinator then reports the cut in its result.
func Run(ctx context.Context, cfg Config, run RunFunc) (*workflow.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(NewModel(cfg), tea.WithContext(ctx))

	type outcome struct {
		result *workflow.Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := run(ctx)
		done <- outcome{result: result, err: err}
		if result == nil && err != nil {
			p.Send(runFailedMsg(err))
			return
		}
		p.Send(resultMsg(result))
	}()

	// The dashboard is best-effort: a renderer failure must not mask the
	// pipeline outcome.
	_, _ = p.Run()

	cancel()
	out := <-done
	return out.result, out.err
}
