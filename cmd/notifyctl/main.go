// Package main implements notifyctl, the operator CLI for the notifier.
//
// It wires the same components as the daemon and runs one administrative
// action against them, for local development, backfills and debugging.
//
// Usage:
//
//	notifyctl tick [--reference-time=2026-02-03T09:00:00Z]
//	notifyctl create --title=T --subject=S --body-file=body.liquid --frequency=weekly --recurring --news=3,7
//	notifyctl update --id=12 --title=T --subject=S --body-file=body.liquid --frequency=daily --recurring --news=3
//	notifyctl cancel --id=12
//	notifyctl reactivate --id=12
//	notifyctl flag --content-id=88 [--unflag]
//	notifyctl import
//	notifyctl subscribe --email=a@example.org --name=Ada --frequency=weekly --news=3,7
//	notifyctl preferences --email=a@example.org [--frequency=daily] [--news=3] [--meetings=2] [--name=N]
//	notifyctl unsubscribe --email=a@example.org | --token=T
//	notifyctl subscribers [--status=active] [--limit=20]
//	notifyctl forget --id=41
//
// Configuration comes from the environment (or .env) exactly as for the
// daemon.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"civicnotify/internal/app"
	"civicnotify/internal/config"
	"civicnotify/internal/db"
	"civicnotify/internal/jobs"
	"civicnotify/internal/types"
)

type command struct {
	summary string
	run     func(ctx context.Context, a *app.App, args []string, out io.Writer) error
}

var commands = map[string]command{
	"tick":       {"Run one dispatch tick (recurring passes, then one-time)", runTick},
	"create":     {"Create a notification job", runCreate},
	"update":     {"Replace the editable fields of a job", runUpdate},
	"cancel":     {"Cancel a pending job", runCancel},
	"reactivate": {"Move a cancelled job back to pending", runReactivate},
	"flag":       {"Flag or unflag a content item for inclusion in emails", runFlag},
	"import":     {"Poll the configured feeds once", runImport},

	"subscribe":   {"Add or reactivate a subscriber", runSubscribe},
	"preferences": {"Change a subscriber's categories, cadence or name", runPreferences},
	"unsubscribe": {"Deactivate a subscriber by email or management token", runUnsubscribe},
	"subscribers": {"Count (and optionally list) subscribers", runSubscribers},
	"forget":      {"Delete a subscriber permanently; email logs remain", runForget},
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(app.SecretProvider())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading configuration: %v\n", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := cmd.run(ctx, a, os.Args[2:], os.Stdout); err != nil {
		logger.Error("command failed", "command", os.Args[1], "error", err)
		a.Close()
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: notifyctl <command> [flags]\n\nCommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-11s %s\n", name, commands[name].summary)
	}
}

type tickSummary struct {
	Now     time.Time `json:"now"`
	Jobs    int       `json:"jobs"`
	Sent    int       `json:"sent"`
	Failed  int       `json:"failed"`
	Skipped int       `json:"skipped"`
	Errors  []string  `json:"errors,omitempty"`
}

func runTick(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("tick", flag.ContinueOnError)
	refTime := fs.String("reference-time", "", "Override the current time (RFC3339)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	now, err := referenceTime(*refTime, time.Now())
	if err != nil {
		return err
	}

	report := a.Dispatcher.Tick(ctx, now)
	sent, failed, skipped := report.Totals()
	summary := tickSummary{Now: now, Jobs: len(report.Jobs), Sent: sent, Failed: failed, Skipped: skipped}
	if err := report.Err(); err != nil {
		summary.Errors = append(summary.Errors, err.Error())
	}
	return printJSON(out, summary)
}

func runCreate(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	in, err := parseJobInput(args, os.ReadFile)
	if err != nil {
		return err
	}
	job, err := a.Jobs.Create(ctx, in)
	if err != nil {
		return err
	}
	return printJSON(out, job)
}

func runUpdate(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	id, in, err := parseUpdateInput(args, os.ReadFile)
	if err != nil {
		return err
	}
	job, err := a.Jobs.Update(ctx, id, in)
	if err != nil {
		return err
	}
	return printJSON(out, job)
}

func runCancel(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	id, err := parseID("cancel", args)
	if err != nil {
		return err
	}
	job, err := a.Jobs.Cancel(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(out, job)
}

func runReactivate(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	id, err := parseID("reactivate", args)
	if err != nil {
		return err
	}
	job, err := a.Jobs.Reactivate(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(out, job)
}

func runFlag(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("flag", flag.ContinueOnError)
	id := fs.Int64("content-id", 0, "Content item id")
	unflag := fs.Bool("unflag", false, "Remove the item from emails instead")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id <= 0 {
		return errors.New("--content-id is required")
	}
	repo := db.NewContentRepository(a.Pool)
	if err := repo.SetIncludeInFeed(ctx, *id, !*unflag, time.Now().UTC()); err != nil {
		return err
	}
	fmt.Fprintf(out, "content %d include_in_feed=%t\n", *id, !*unflag)
	return nil
}

func runImport(ctx context.Context, a *app.App, _ []string, out io.Writer) error {
	if a.Importer == nil {
		return errors.New("no feeds configured (FEED_URLS)")
	}
	return printJSON(out, a.Importer.Import(ctx))
}

// jobFlags are the editable job fields shared by create and update.
type jobFlags struct {
	title, subject, body, bodyFile *string
	frequency, news, meetings      *string
	recurring                      *bool
}

func newJobFlags(name string) (*flag.FlagSet, *jobFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs, &jobFlags{
		title:     fs.String("title", "", "Admin-facing title"),
		subject:   fs.String("subject", "", "Email subject (Liquid)"),
		body:      fs.String("body", "", "Email body (Liquid)"),
		bodyFile:  fs.String("body-file", "", "Read the body from a file"),
		frequency: fs.String("frequency", "", "daily, weekly, monthly, or empty for every cadence"),
		recurring: fs.Bool("recurring", false, "Repeat on the cadence's send slot"),
		news:      fs.String("news", "", "Comma-separated news category ids"),
		meetings:  fs.String("meetings", "", "Comma-separated meeting category ids"),
	}
}

// input builds the job fields. readFile loads --body-file.
func (f *jobFlags) input(readFile func(string) ([]byte, error)) (jobs.JobInput, error) {
	freq, ok := types.ParseFrequency(*f.frequency)
	if !ok {
		return jobs.JobInput{}, fmt.Errorf("invalid --frequency %q", *f.frequency)
	}
	content := *f.body
	if *f.bodyFile != "" {
		b, err := readFile(*f.bodyFile)
		if err != nil {
			return jobs.JobInput{}, fmt.Errorf("reading --body-file: %w", err)
		}
		content = string(b)
	}

	return jobs.JobInput{
		Title:             *f.title,
		Subject:           *f.subject,
		Content:           content,
		NewsCategories:    types.ParseCategorySet(*f.news),
		MeetingCategories: types.ParseCategorySet(*f.meetings),
		FrequencyTarget:   freq,
		IsRecurring:       *f.recurring,
	}, nil
}

// parseJobInput reads the create flags.
func parseJobInput(args []string, readFile func(string) ([]byte, error)) (jobs.JobInput, error) {
	fs, f := newJobFlags("create")
	if err := fs.Parse(args); err != nil {
		return jobs.JobInput{}, err
	}
	return f.input(readFile)
}

// parseUpdateInput reads --id plus the create flags. An edit replaces every
// field, so omitted flags clear theirs.
func parseUpdateInput(args []string, readFile func(string) ([]byte, error)) (int64, jobs.JobInput, error) {
	fs, f := newJobFlags("update")
	id := fs.Int64("id", 0, "Notification id")
	if err := fs.Parse(args); err != nil {
		return 0, jobs.JobInput{}, err
	}
	if *id <= 0 {
		return 0, jobs.JobInput{}, errors.New("--id is required")
	}
	in, err := f.input(readFile)
	return *id, in, err
}

func parseID(name string, args []string) (int64, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.Int64("id", 0, "Notification id")
	if err := fs.Parse(args); err != nil {
		return 0, err
	}
	if *id <= 0 {
		return 0, errors.New("--id is required")
	}
	return *id, nil
}

func referenceTime(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --reference-time %q (expected RFC3339): %w", raw, err)
	}
	return t.UTC(), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
