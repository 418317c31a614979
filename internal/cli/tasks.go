package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"beatsync/internal/domain"
)

type taskFlags struct {
	name     string
	task     string
	schedule string
	args     string
	kwargs   string
	options  string
}

func newAddCmd(g *globalFlags, use, short string) *cobra.Command {
	f := &taskFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Example: `  beatsync ` + use + ` --name nightly --task reports.build --schedule 3600
  beatsync ` + use + ` --name morning --task mail.send --schedule '0 7 * * mon-fri' --kwargs '{"to":"ops"}'
  beatsync ` + use + ` --name dawn --task lights.off --schedule '{"event":"sunrise","latitude":52.37,"longitude":4.89}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := f.definition()
			if err != nil {
				return err
			}
			_, changes, err := g.openChangeLog()
			if err != nil {
				return err
			}
			defer changes.Close()

			if use == "update" {
				err = changes.UpdateTask(cmd.Context(), def)
			} else {
				err = changes.AddTask(cmd.Context(), def)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", domain.OpAdd, def.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.name, "name", "", "Task name (defaults to the task target)")
	cmd.Flags().StringVar(&f.task, "task", "", "Task target (required)")
	cmd.Flags().StringVar(&f.schedule, "schedule", "", "Seconds, a five-field crontab expression or a JSON schedule object (required)")
	cmd.Flags().StringVar(&f.args, "args", "", "Positional arguments as a JSON list")
	cmd.Flags().StringVar(&f.kwargs, "kwargs", "", "Keyword arguments as a JSON object")
	cmd.Flags().StringVar(&f.options, "options", "", "Task options as a JSON object")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("schedule")
	return cmd
}

func (f *taskFlags) definition() (domain.TaskDefinition, error) {
	raw := map[string]any{"task": f.task}
	if f.name != "" {
		raw["name"] = f.name
	}
	sched, err := parseScheduleFlag(f.schedule)
	if err != nil {
		return domain.TaskDefinition{}, err
	}
	raw["schedule"] = sched

	for key, val := range map[string]string{"args": f.args, "kwargs": f.kwargs, "options": f.options} {
		if val == "" {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(val), &v); err != nil {
			return domain.TaskDefinition{}, fmt.Errorf("--%s: %w", key, err)
		}
		raw[key] = v
	}
	return domain.ParseDefinition(raw)
}

// parseScheduleFlag accepts JSON (a number or an object) or a crontab
// expression "minute hour day-of-month month day-of-week".
func parseScheduleFlag(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v, nil
	}
	fields := strings.Fields(s)
	if len(fields) != 5 {
		return nil, fmt.Errorf("--schedule: %q is neither JSON nor a five-field crontab expression", s)
	}
	return map[string]any{
		"minute":        fields[0],
		"hour":          fields[1],
		"day_of_month":  fields[2],
		"month_of_year": fields[3],
		"day_of_week":   fields[4],
	}, nil
}

func newDeleteCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Record a delete operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, changes, err := g.openChangeLog()
			if err != nil {
				return err
			}
			defer changes.Close()

			if err := changes.DeleteTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", domain.OpDelete, args[0])
			return nil
		},
	}
}

func newDrainCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Print and clear pending operations",
		Long: `drain consumes the pending operations and prints one JSON object per line.
A running scheduler will not see the drained operations.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, changes, err := g.openChangeLog()
			if err != nil {
				return err
			}
			defer changes.Close()

			ops, err := changes.Drain(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, op := range ops {
				line := map[string]any{"op": op.Kind, "name": op.Name}
				if op.Task != nil {
					line["task"] = op.Task
				}
				if err := enc.Encode(line); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newInfoCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show where changes are recorded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, changes, err := g.openChangeLog()
			if err != nil {
				return err
			}
			defer changes.Close()
			fmt.Fprintln(cmd.OutOrStdout(), changes.Info())
			return nil
		},
	}
}
