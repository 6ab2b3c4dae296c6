package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/robocar-go/robocar/pkg/config"
)

func NewScheduleCommand() *cobra.Command {
	var pf programFlags

	cmd := &cobra.Command{
		Use:     "schedule [cron-expression]",
		Aliases: []string{"sch", "sched"},
		Short:   "Manage the program schedule of the daemon",
		Long: `Manage the program schedule of the daemon.

The schedule command can be used in multiple ways:
  robocar schedule 'minute hour day month weekday' -m MODE  Run a program on a cron schedule
  robocar schedule disable                                  Disable the schedule
  robocar schedule postpone [duration]                      Postpone next run
  robocar schedule skip                                     Skip next run
  robocar schedule show                                     Show current schedule

A scheduled run is held back while another job is running or while the power
pack is discharging below 15%.`,
		Example: `  robocar schedule '0 10 * * 0' -m simple -t 60     (At 10:00 on Sunday)
  robocar schedule '*/30 9-17 * * 1-5' -m twister  (Every 30 minutes during office hours)
  robocar schedule '@daily' -m circuit -f /etc/robocar/square.txt`,
		GroupID: gAdvanced,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// If no arguments, show the current schedule
			if len(args) == 0 {
				return runScheduleShow(cmd)
			}
			p, err := pf.program()
			if err != nil {
				return err
			}
			return runScheduleSet(cmd, config.Schedule{Cron: args[0], Program: p})
		},
	}

	pf.register(cmd)

	cmd.AddCommand(
		newScheduleDisableCommand(),
		newSchedulePostponeCommand(),
		newScheduleSkipCommand(),
		newScheduleShowCommand(),
	)

	return cmd
}

func newScheduleDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Disable the program schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduleDisable(cmd)
		},
	}
}

func newSchedulePostponeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "postpone [duration]",
		Short: "Postpone the next scheduled run",
		Example: `  robocar schedule postpone      (Postpone by 1 hour)
  robocar schedule postpone 90m  (Postpone by 90 minutes)`,
		Long: `Postpone the next scheduled run by a specified duration.
If no duration is provided, defaults to 1 hour.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := time.Hour
			if len(args) > 0 {
				parsed, err := time.ParseDuration(args[0])
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", args[0], err)
				}
				d = parsed
			}
			return runSchedulePostpone(cmd, d)
		},
	}
	return cmd
}

func newScheduleSkipCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "skip",
		Short: "Skip the next scheduled run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduleSkip(cmd)
		},
	}
}

func newScheduleShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current program schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduleShow(cmd)
		},
	}
}

func printRuns(cmd *cobra.Command, runs []time.Time) {
	for _, run := range runs {
		cmd.Printf("  - %s\n", run.Local().Format(time.DateTime))
	}
}

func runScheduleSet(cmd *cobra.Command, s config.Schedule) error {
	if s.Cron == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	nextRuns, err := apiClient.SetSchedule(s)
	if err != nil {
		return err
	}
	cmd.Printf("%s program scheduled. Next %d run(s):\n", s.Mode, len(nextRuns))
	printRuns(cmd, nextRuns)
	return nil
}

func runScheduleDisable(cmd *cobra.Command) error {
	if _, err := apiClient.SetSchedule(config.Schedule{}); err != nil {
		return err
	}
	cmd.Println("Program schedule disabled.")
	return nil
}

func runSchedulePostpone(cmd *cobra.Command, duration time.Duration) error {
	next, err := apiClient.PostponeSchedule(duration)
	if err != nil {
		return err
	}
	cmd.Printf("Next run postponed by %s, to %s.\n", duration, next.Local().Format(time.DateTime))
	return nil
}

func runScheduleSkip(cmd *cobra.Command) error {
	next, err := apiClient.SkipSchedule()
	if err != nil {
		return err
	}
	cmd.Printf("Next scheduled run skipped. The following one is at %s.\n", next.Local().Format(time.DateTime))
	return nil
}

func runScheduleShow(cmd *cobra.Command) error {
	st, err := apiClient.GetStatus()
	if err != nil {
		return err
	}
	s := st.Schedule
	if !s.Enabled || len(s.NextRuns) == 0 {
		cmd.Println("Program schedule is not set.")
		return nil
	}
	cmd.Printf("%s program on '%s'. Next %d run(s):\n", s.Mode, s.Cron, len(s.NextRuns))
	printRuns(cmd, s.NextRuns)
	return nil
}
