package main

import (
	"context"
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/arbiter/internal/events"
	"github.com/fyrsmithlabs/arbiter/internal/monitor"
)

// watchBuffer bounds how many events can queue while the TUI renders.
const watchBuffer = 256

var watchCmd = &cobra.Command{
	Use:   "watch [run-id]",
	Short: "Follow pipeline runs live",
	Long: `Subscribe to the run event stream on NATS and show stage progress for
each run. With a run ID only that run is shown.

Requires events.nats_url to be configured.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var runID string
		if len(args) == 1 {
			runID = args[0]
		}

		rt, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = rt.Close() }()

		ch := make(chan events.Event, watchBuffer)
		sub, err := events.Subscribe(rt.cfg.Events, runID, func(ev events.Event) {
			select {
			case ch <- ev:
			default:
				rt.logger.Debug(context.Background(), "watch buffer full, dropping event",
					zap.String("run_id", ev.RunID),
					zap.String("stage", ev.Stage))
			}
		}, rt.logger)
		if err != nil {
			return fmt.Errorf("subscribing to events: %w", err)
		}
		defer func() { _ = sub.Close() }()

		source := events.WatchSubject(rt.cfg.Events.SubjectPrefix, runID)
		p := tea.NewProgram(monitor.NewModel(source, ch), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
		if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return fmt.Errorf("running watch: %w", err)
		}
		return nil
	},
}
