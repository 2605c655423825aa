package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cuewatch/internal/config"
	"cuewatch/internal/ipc"
	"cuewatch/internal/reminder"
)

var socketPath string

var rootCmd = &cobra.Command{
	Use:   "cuewatch-cli",
	Short: "CLI tool to interact with the cuewatch daemon",
	Long:  `A command-line interface to manage reminders, feed sensor readings and control alarms of the running cuewatch daemon via its Unix socket.`,
}

// --- Client Helper Functions ---

func request(cmd ipc.Command) *ipc.Response {
	resp, err := ipc.Send(socketPath, cmd)
	if err != nil {
		log.Fatalf("%v\nIs the cuewatch daemon running?", err)
	}
	return resp
}

func sendCommand(cmd ipc.Command) {
	resp := request(cmd)
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "Error: %s\n", resp.Message)
		os.Exit(1)
	}
	if resp.Message != "" {
		fmt.Println("Success:", resp.Message)
	}
	if resp.Data != nil {
		prettyData, err := json.MarshalIndent(resp.Data, "", "  ")
		if err == nil {
			fmt.Println(string(prettyData))
		} else {
			fmt.Println("Data (raw):", resp.Data)
		}
	}
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		log.Fatalf("Error: invalid reminder id %q", s)
	}
	return id
}

// --- Command Definitions ---

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check if the cuewatch daemon is running",
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{Name: ipc.CmdPing})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show reminder counts, geofences, the current alarm and dispatch counters",
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{Name: ipc.CmdStatus})
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run one wall-clock evaluation now",
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{Name: ipc.CmdEvaluate})
	},
}

var reminderCmd = &cobra.Command{
	Use:   "reminder",
	Short: "Manage reminders",
}

var reminderAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a reminder",
	Run: func(cmd *cobra.Command, args []string) {
		r := reminder.Reminder{Enabled: true}
		if err := applyReminderFlags(cmd, &r); err != nil {
			log.Fatalf("Error: %v", err)
		}
		if r.Title == "" {
			log.Fatal("Error: --title flag is required")
		}
		sendCommand(ipc.Command{Name: ipc.CmdReminderAdd, Args: ipc.ReminderArgs{Reminder: r}})
	},
}

var reminderUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change the flags given on an existing reminder",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parseID(args[0])
		resp := request(ipc.Command{Name: ipc.CmdReminderGet, Args: ipc.IDArgs{ID: id}})
		if !resp.Success {
			log.Fatalf("Error: %s", resp.Message)
		}
		var current struct {
			Reminder reminder.Reminder `json:"reminder"`
		}
		if err := ipc.DecodeArgs(resp.Data, &current); err != nil {
			log.Fatalf("Error: cannot decode reminder %d: %v", id, err)
		}
		r := current.Reminder
		if err := applyReminderFlags(cmd, &r); err != nil {
			log.Fatalf("Error: %v", err)
		}
		sendCommand(ipc.Command{Name: ipc.CmdReminderUpdate, Args: ipc.ReminderArgs{Reminder: r}})
	},
}

var reminderListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all reminders",
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{Name: ipc.CmdReminderList})
	},
}

var reminderGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a reminder and its trigger state",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{Name: ipc.CmdReminderGet, Args: ipc.IDArgs{ID: parseID(args[0])}})
	},
}

var reminderDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a reminder (its event log is kept)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{Name: ipc.CmdReminderDelete, Args: ipc.IDArgs{ID: parseID(args[0])}})
	},
}

var reminderEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a reminder",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{Name: ipc.CmdReminderEnable, Args: ipc.EnableArgs{ID: parseID(args[0]), Enabled: true}})
	},
}

var reminderDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a reminder",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{Name: ipc.CmdReminderEnable, Args: ipc.EnableArgs{ID: parseID(args[0]), Enabled: false}})
	},
}

var reminderCompleteCmd = &cobra.Command{
	Use:   "complete <id>",
	Short: "Mark the current cycle of a reminder as done",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{Name: ipc.CmdReminderComplete, Args: ipc.IDArgs{ID: parseID(args[0])}})
	},
}

var locationCmd = &cobra.Command{
	Use:   "location <lat> <lon>",
	Short: "Report the current position",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		lat, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			log.Fatalf("Error: invalid latitude %q", args[0])
		}
		lon, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			log.Fatalf("Error: invalid longitude %q", args[1])
		}
		acc, _ := cmd.Flags().GetFloat64("accuracy")
		sendCommand(ipc.Command{Name: ipc.CmdLocation, Args: ipc.LocationArgs{Lat: lat, Lon: lon, Accuracy: acc}})
	},
}

var batteryCmd = &cobra.Command{
	Use:   "battery <level>",
	Short: "Report the battery percentage",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		level, err := strconv.Atoi(args[0])
		if err != nil {
			log.Fatalf("Error: invalid battery level %q", args[0])
		}
		charging, _ := cmd.Flags().GetBool("charging")
		sendCommand(ipc.Command{Name: ipc.CmdBattery, Args: ipc.BatteryArgs{Level: level, Charging: charging}})
	},
}

var alarmCmd = &cobra.Command{
	Use:   "alarm",
	Short: "Show or control the ringing alarm",
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{Name: ipc.CmdAlarmStatus})
	},
}

var alarmTriggerCmd = &cobra.Command{
	Use:   "trigger <id>",
	Short: "Ring the alarm for a reminder now",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{Name: ipc.CmdAlarmTrigger, Args: ipc.IDArgs{ID: parseID(args[0])}})
	},
}

var alarmSnoozeCmd = &cobra.Command{
	Use:   "snooze",
	Short: "Snooze the ringing alarm",
	Run: func(cmd *cobra.Command, args []string) {
		var snooze ipc.SnoozeArgs
		if cmd.Flags().Changed("minutes") {
			m, _ := cmd.Flags().GetInt("minutes")
			snooze.Minutes = &m
		}
		sendCommand(ipc.Command{Name: ipc.CmdAlarmSnooze, Args: snooze})
	},
}

var alarmDismissCmd = &cobra.Command{
	Use:   "dismiss",
	Short: "Dismiss the alarm",
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{Name: ipc.CmdAlarmDismiss})
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events [id]",
	Short: "Show the event log of one reminder, or the newest events overall",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var ev ipc.EventsArgs
		if len(args) == 1 {
			ev.ID = parseID(args[0])
		}
		ev.Limit, _ = cmd.Flags().GetInt("limit")
		sendCommand(ipc.Command{Name: ipc.CmdEvents, Args: ev})
	},
}

var geofencesCmd = &cobra.Command{
	Use:   "geofences",
	Short: "List registered geofences and their baselines",
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{Name: ipc.CmdGeofences})
	},
}

func main() {
	log.SetFlags(0)

	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", config.DefaultSocketPath, "Path to the daemon socket")

	addReminderFlags(reminderAddCmd)
	addReminderFlags(reminderUpdateCmd)
	reminderCmd.AddCommand(reminderAddCmd, reminderUpdateCmd, reminderListCmd, reminderGetCmd,
		reminderDeleteCmd, reminderEnableCmd, reminderDisableCmd, reminderCompleteCmd)

	locationCmd.Flags().Float64P("accuracy", "a", 0, "Fix accuracy in meters")
	batteryCmd.Flags().BoolP("charging", "C", false, "The device is charging")

	alarmSnoozeCmd.Flags().IntP("minutes", "m", 0, "Snooze length in minutes (default: daemon setting)")
	alarmCmd.AddCommand(alarmTriggerCmd, alarmSnoozeCmd, alarmDismissCmd)

	eventsCmd.Flags().IntP("limit", "n", 50, "Number of recent events when no id is given")

	rootCmd.AddCommand(pingCmd, statusCmd, evaluateCmd, reminderCmd, locationCmd, batteryCmd,
		alarmCmd, eventsCmd, geofencesCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// parseWhen accepts RFC 3339 or a local "2006-01-02 15:04".
func parseWhen(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q (use RFC 3339 or \"YYYY-MM-DD HH:MM\")", s)
	}
	return t, nil
}

func splitPair(s, sep string) (string, string, error) {
	parts := strings.SplitN(s, sep, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("expected two values separated by %q, got %q", sep, s)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}
