package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/robocar-go/robocar/pkg/client"
	"github.com/robocar-go/robocar/pkg/powerinfo"
	"github.com/robocar-go/robocar/pkg/vehicle"
)

func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current status of the robot",
		Long:    `Get the robot state, the running job, the schedule and the power pack from the daemon.`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.GetStatus()
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			printStatus(cmd, st)
			return nil
		},
	}
}

func printStatus(cmd *cobra.Command, st *client.Status) {
	v := st.Vehicle

	cmd.Println(bold("Robot:"))
	cmd.Printf("  Motion: %s\n", bold("%s", v.Motion))
	cmd.Printf("  Calibrated: %s\n", bool2Text(v.Bounds.Valid()))
	if v.Bounds.Valid() {
		cmd.Printf("    Speed range: %s\n", bold("%d..%d", v.Bounds.Min, v.Bounds.Max))
		cmd.Printf("    Commanded speed: %s\n", bold("%d", v.Speed))
	} else {
		cmd.Println("    Calibrate with 'robocar calibration start' before running programs.")
	}
	printWheel(cmd, "Left wheel", v.Left)
	printWheel(cmd, "Right wheel", v.Right)
	cmd.Printf("  Indicators: green %s  red %s\n", bool2Text(v.Green), bool2Text(v.Red))

	cmd.Println()

	cmd.Println(bold("Job:"))
	switch {
	case st.Job.Running != nil:
		j := st.Job.Running
		cmd.Printf("  Running: %s (%s, from %s) for %s\n",
			bold("%s", j.Name), j.Kind, j.Source, time.Since(j.Started).Round(time.Second))
	default:
		cmd.Println("  Running: none")
	}
	if last := st.Job.Last; last != nil {
		result := color.GreenString("ok")
		if last.Error != "" {
			result = color.RedString(last.Error)
		}
		cmd.Printf("  Last: %s %s at %s: %s\n",
			last.Kind, bold("%s", last.Name), last.Finished.Local().Format(time.DateTime), result)
	}

	cmd.Println()

	cmd.Println(bold("Schedule:"))
	cmd.Printf("  Enabled: %s\n", bool2Text(st.Schedule.Enabled))
	if st.Schedule.Cron != "" {
		cmd.Printf("  Cron: %s (%s)\n", bold("%s", st.Schedule.Cron), st.Schedule.Mode)
	}
	if len(st.Schedule.NextRuns) > 0 {
		cmd.Printf("  Next run: %s\n", bold("%s", st.Schedule.NextRuns[0].Local().Format(time.DateTime)))
	}

	cmd.Println()

	cmd.Println(bold("Power pack:"))
	printPower(cmd, st.Power)
}

func printWheel(cmd *cobra.Command, name string, w vehicle.WheelStatus) {
	cmd.Printf("  %s: moving %s  duty cycle %s", name, bool2Text(w.Moving), bold("%d", w.DutyCycle))
	if w.Calibrated {
		cmd.Printf("  range %s", bold("%d..%d", w.Bounds.Min, w.Bounds.Max))
	}
	cmd.Println()
}

func printPower(cmd *cobra.Command, p *powerinfo.PowerPack) {
	if p == nil {
		cmd.Println("  not available")
		return
	}

	state := string(p.State)
	switch p.State {
	case powerinfo.Charging:
		state = color.GreenString("charging")
	case powerinfo.Discharging:
		state = color.RedString("discharging")
	}
	cmd.Printf("  Charge: %s\n", bold("%d%%", p.Percent))
	cmd.Printf("  State: %s\n", bold("%s", state))

	var rate string
	switch {
	case p.ChargeRate > 0:
		rate = color.New(color.Bold, color.FgGreen).Sprintf("%+.1f W", p.ChargeRate/1e3)
	case p.ChargeRate < 0:
		rate = color.New(color.Bold, color.FgRed).Sprintf("%+.1f W", p.ChargeRate/1e3)
	default:
		rate = bold("%+.1f W", 0.0)
	}
	cmd.Printf("  Charge rate: %s\n", rate)
	if p.Voltage > 0 {
		cmd.Printf("  Voltage: %s\n", bold("%.2f V", p.Voltage))
	}
}

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}
