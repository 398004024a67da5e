package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"warden/internal/config"
	"warden/internal/events"
	"warden/internal/eventstore"
	"warden/internal/scheduler"
)

// NewScheduleCommand returns the schedule subcommand.
func NewScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "View scheduled jobs and their run history",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List scheduled jobs",
				Action: runScheduleList,
			},
			{
				Name:   "history",
				Usage:  "Show recent job executions",
				Action: runScheduleHistory,
			},
		},
		DefaultCommand: "list",
	}
}

func runScheduleList(_ context.Context, _ *cli.Command) error {
	store := scheduler.NewJobStore(filepath.Join(config.StatePath(), "jobs.json"))

	jobs, err := store.Load()
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No scheduled jobs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tENABLED\tCRON\tTRIGGER\tLAST STATUS")
	for _, j := range jobs {
		lastStatus := "-"
		if j.LastResult != nil {
			lastStatus = j.LastResult.Status
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n",
			j.ID,
			j.Name,
			j.Enabled,
			j.Cron,
			j.Trigger.Kind,
			lastStatus,
		)
	}
	return w.Flush()
}

func runScheduleHistory(_ context.Context, _ *cli.Command) error {
	dbPath := filepath.Join(config.StatePath(), "events.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No job history found.")
		return nil
	}

	log, err := eventstore.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer log.Close()

	history, err := log.Query(eventstore.Filter{
		Types:      []events.EventType{events.EventJobStarted, events.EventJobCompleted, events.EventJobFailed},
		Limit:      20,
		Descending: true,
	})
	if err != nil {
		return fmt.Errorf("query history: %w", err)
	}

	if len(history) == 0 {
		fmt.Println("No job history found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tJOB\tDETAIL")
	for _, e := range history {
		jobName, _ := e.Payload["name"].(string)
		if jobName == "" {
			jobName, _ = e.Payload["job_id"].(string)
		}
		detail := "-"
		if msg, ok := e.Payload["error"].(string); ok && msg != "" {
			detail = msg
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"),
			e.Type, jobName, detail)
	}
	return w.Flush()
}
