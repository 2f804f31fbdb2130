// Command taskflow creates and runs task trees.
//
//	taskflow serve                 admin API and cron schedules
//	taskflow run [-tui] tree.json  create a tree from a file and execute it
//	taskflow executors             list registered executors
//	taskflow init [-o path]        write a default config file
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aristath/taskflow/internal/config"
)

func main() {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return fmt.Errorf("missing command")
	}

	switch args[0] {
	case "serve", "run", "executors":
	case "init":
		return initConfig(args[1:], out)
	case "help", "-h", "--help":
		usage(out)
		return nil
	default:
		usage(out)
		return fmt.Errorf("unknown command %q", args[0])
	}

	cfg, err := config.LoadDefault()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch args[0] {
	case "serve":
		return serve(ctx, cfg)
	case "run":
		return runCommand(ctx, cfg, args[1:], out)
	default:
		return listExecutors(ctx, cfg, out)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: taskflow <command> [arguments]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  serve                    start the admin API and cron schedules")
	fmt.Fprintln(w, "  run [-tui] tree.json     create a tree from a file and execute it")
	fmt.Fprintln(w, "  executors                list registered executors")
	fmt.Fprintln(w, "  init [-o path] [-force]  write a default config file")
}

func listExecutors(ctx context.Context, cfg *config.TaskflowConfig, out io.Writer) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, info := range a.executors.Describe() {
		cancel := ""
		if !info.Cancelable {
			cancel = " (not cancelable)"
		}
		fmt.Fprintf(out, "%-28s %s%s\n", info.Type, info.Name, cancel)
		if info.Description != "" {
			fmt.Fprintf(out, "%-28s %s\n", "", info.Description)
		}
	}
	return nil
}

func initConfig(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(out)
	path := fs.String("o", filepath.Join(".taskflow", "config.json"), "where to write the config")
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", *path)
	}
	if err := config.Save(config.DefaultConfig(), *path); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote %s\n", *path)
	return nil
}
