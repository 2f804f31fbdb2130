package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/taskflow/internal/config"
	"github.com/aristath/taskflow/internal/events"
	"github.com/aristath/taskflow/internal/orchestrator"
	"github.com/aristath/taskflow/internal/streaming"
	"github.com/aristath/taskflow/internal/tui"
)

// treeFile is the on-disk form of a tree: either {"tasks": [...]} or a bare
// array of definitions.
type treeFile struct {
	Tasks []orchestrator.TaskDefinition `json:"tasks"`
}

func loadDefinitions(path string) ([]orchestrator.TaskDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tree file: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var defs []orchestrator.TaskDefinition
		if err := json.Unmarshal(trimmed, &defs); err != nil {
			return nil, fmt.Errorf("failed to parse tree file %s: %w", path, err)
		}
		return defs, nil
	}

	var f treeFile
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return nil, fmt.Errorf("failed to parse tree file %s: %w", path, err)
	}
	return f.Tasks, nil
}

func runCommand(ctx context.Context, cfg *config.TaskflowConfig, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(out)
	useTUI := fs.Bool("tui", false, "show the live viewer instead of logging events")
	failFast := fs.Bool("fail-fast", cfg.Run.FailFast, "stop dispatching after the first failure")
	concurrency := fs.Int("concurrency", cfg.Run.Concurrency, "maximum tasks executing at once")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("run takes exactly one tree file")
	}

	defs, err := loadDefinitions(fs.Arg(0))
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		<-watchCtx.Done()
		if ctx.Err() != nil {
			a.Shutdown()
		}
	}()

	tasks, err := a.manager.CreateTree(ctx, defs)
	if err != nil {
		return err
	}
	rootID := tasks[0].RootID

	opts := []orchestrator.RunOption{orchestrator.WithFailFast(*failFast)}
	if *concurrency > 0 {
		opts = append(opts, orchestrator.WithConcurrency(*concurrency))
	}

	var summary *orchestrator.RunSummary
	if *useTUI {
		summary, err = runWithTUI(ctx, a, rootID, len(tasks), opts)
	} else {
		logSink := streaming.FuncSink(func(_ context.Context, ev events.Event) error {
			fmt.Fprintln(out, formatEvent(ev))
			return nil
		})
		opts = append(opts, orchestrator.WithSink(streaming.NewMultiSink(a.sink, logSink)))
		summary, err = a.manager.ExecuteTree(ctx, rootID, opts...)
	}
	if summary != nil {
		writeSummary(out, summary)
	}
	if err != nil {
		return err
	}
	if !summary.Succeeded() {
		return fmt.Errorf("tree %s did not complete", rootID)
	}
	return nil
}

func runWithTUI(ctx context.Context, a *app, rootID string, total int, opts []orchestrator.RunOption) (*orchestrator.RunSummary, error) {
	cancel := func(taskID string) (string, error) {
		res, err := a.manager.Cancel(ctx, taskID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s: %s", res.Status, res.Message), nil
	}

	// Log lines would tear the alt screen; send them to a file instead.
	if f, err := tea.LogToFile(filepath.Join(os.TempDir(), "taskflow.log"), "taskflow"); err == nil {
		defer func() {
			log.SetOutput(os.Stderr)
			f.Close()
		}()
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	model := tui.New(a.bus, rootID, total, cancel)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	type outcome struct {
		summary *orchestrator.RunSummary
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		summary, err := a.manager.ExecuteTree(runCtx, rootID, opts...)
		// Every event has reached the bus once ExecuteTree returns.
		a.bus.Close()
		done <- outcome{summary, err}
	}()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		cancelRun()
		<-done
		return nil, fmt.Errorf("viewer: %w", err)
	}

	select {
	case res := <-done:
		return res.summary, res.err
	default:
	}
	log.Printf("Viewer closed, cancelling run of tree %s", rootID)
	cancelRun()
	res := <-done
	return res.summary, res.err
}

func formatEvent(ev events.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-14s %s", ev.Timestamp.Format("15:04:05.000"), ev.Type, ev.TaskID)
	if ev.Progress != nil && ev.Type == events.TypeProgress {
		fmt.Fprintf(&b, " %3.0f%%", *ev.Progress*100)
	}
	if ev.Message != "" {
		b.WriteString(" " + ev.Message)
	}
	if ev.Error != "" {
		b.WriteString(" error=" + ev.Error)
	}
	if len(ev.Metadata) > 0 && ev.Final {
		keys := make([]string, 0, len(ev.Metadata))
		for k := range ev.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, ev.Metadata[k])
		}
	}
	return b.String()
}

func writeSummary(out io.Writer, s *orchestrator.RunSummary) {
	fmt.Fprintln(out, s.String())
	for _, t := range s.Tasks {
		line := fmt.Sprintf("  %-11s %s (%s)", t.Status, t.Name, t.ID)
		if t.Error != "" {
			line += ": " + t.Error
		}
		fmt.Fprintln(out, line)
	}
}
