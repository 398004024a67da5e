package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"warden/internal/config"
	"warden/internal/tasks"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Manage tasks",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List all tasks",
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show task details",
				ArgsUsage: "<task_id>",
				Action:    runTasksShow,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a task",
				ArgsUsage: "<task_id>",
				Action:    runTasksCancel,
			},
		},
		DefaultCommand: "list",
	}
}

func newTaskStore() *tasks.FileStore {
	return tasks.NewFileStore(filepath.Join(config.StatePath(), "tasks"), 0)
}

func runTasksList(_ context.Context, _ *cli.Command) error {
	store := newTaskStore()

	list, err := store.List()
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tLANE\tATTEMPTS\tDESCRIPTION")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
			t.ID,
			t.Status,
			t.Lane,
			t.Retries.Attempted,
			t.Retries.MaxAttempts,
			t.Description,
		)
	}
	return w.Flush()
}

func runTasksShow(_ context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: warden tasks show <task_id>")
	}

	store := newTaskStore()

	t, err := store.Get(taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	fmt.Printf("ID:          %s\n", t.ID)
	fmt.Printf("Description: %s\n", t.Description)
	fmt.Printf("Status:      %s\n", t.Status)
	fmt.Printf("Lane:        %s\n", t.Lane)
	fmt.Printf("Attempts:    %d/%d\n", t.Retries.Attempted, t.Retries.MaxAttempts)
	fmt.Printf("Created:     %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	if t.StartedAt != nil {
		fmt.Printf("Started:     %s\n", t.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if t.EndedAt != nil {
		fmt.Printf("Ended:       %s\n", t.EndedAt.Format("2006-01-02 15:04:05"))
	}
	if t.ParentID != "" {
		fmt.Printf("Parent:      %s\n", t.ParentID)
	}
	if t.SessionKey != "" {
		fmt.Printf("Session:     %s\n", t.SessionKey)
	}

	if t.LastError != "" {
		fmt.Printf("\nError: %s\n", t.LastError)
	}
	if t.Result != nil && t.Result.Output != "" {
		fmt.Printf("\nOutput:\n%s\n", t.Result.Output)
	}

	return nil
}

func runTasksCancel(_ context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: warden tasks cancel <task_id>")
	}

	store := newTaskStore()

	t, err := store.Get(taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	if t.Status.Terminal() {
		fmt.Printf("Task %s is already %s.\n", taskID, t.Status)
		return nil
	}

	// Direct cancel via store (no gateway connection needed for CLI)
	if _, err := store.UpdateStatus(taskID, tasks.StatusCancelled, "cancelled via CLI"); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}

	fmt.Printf("Task %s cancelled.\n", taskID)
	return nil
}
