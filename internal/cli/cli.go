// Package cli is the psremote command line: discovery, pairing and
// remote control of consoles from a terminal.
package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/psremote/psremote/internal/api"
	"github.com/psremote/psremote/internal/app"
	"github.com/psremote/psremote/internal/devices"
	"github.com/psremote/psremote/internal/media"
	"github.com/psremote/psremote/pkg/control"
	"github.com/psremote/psremote/pkg/ddp"
	"github.com/psremote/psremote/pkg/device"
	"github.com/psremote/psremote/pkg/pair"
)

var rootCmd = &cobra.Command{
	Use:   "psremote",
	Short: "Discover, pair with and remote control PlayStation consoles",
	Long: `psremote talks the console's own network protocols: UDP discovery for
power state and wakeup, and the encrypted TCP control channel for
standby, title launch and remote key presses.

Use "psremote [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		confs, _ := cmd.Flags().GetStringSlice("config")
		app.Init(confs)
		return devices.Init()
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringSliceP("config", "c", nil, "Config file or raw YAML (default: psremote.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(wakeupCmd)
	rootCmd.AddCommand(standbyCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(remoteCmd)
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(mediaCmd)
	rootCmd.AddCommand(forgetCmd)
	rootCmd.AddCommand(serveCmd)

	standbyCmd.Flags().String("pin", "", "Link pin from the console's mobile app settings (first login only)")
	startCmd.Flags().String("pin", "", "Link pin from the console's mobile app settings (first login only)")
	remoteCmd.Flags().String("pin", "", "Link pin from the console's mobile app settings (first login only)")
	remoteCmd.Flags().Duration("hold", 0, "How long to hold the key down")
	searchCmd.Flags().Duration("timeout", 3*time.Second, "How long to wait for answers")
	linkCmd.Flags().Duration("timeout", 2*time.Minute, "How long to wait for the companion app")
	linkCmd.Flags().String("host-id", "", "Console id to bind the credential to (default: the name argument)")
	mediaCmd.Flags().String("region", "United States", "PS Store region")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("psremote %s\n", app.Version)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Broadcast a discovery search and list the consoles that answer",
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		found, err := devices.Scan(timeout)
		if err != nil {
			return err
		}

		if len(found) == 0 {
			fmt.Println("no consoles found")
			return nil
		}

		for _, status := range found {
			fmt.Printf("%-15s %-12s %-8s %-20s %s\n",
				status.Host, status.HostID(), status.HostType(),
				status.HostName(), powerState(status.Code))
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <device>",
	Short: "Probe one console for its power state and running title",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := getDevice(args[0])
		if err != nil {
			return err
		}

		status, err := d.Status()
		if err != nil {
			return err
		}

		fmt.Printf("host:  %s (%s)\n", d.Record.Name, d.Record.Host)
		fmt.Printf("state: %s\n", powerState(status.Code))
		if id := status.TitleID(); id != "" {
			fmt.Printf("title: %s (%s)\n", status.TitleName(), id)
		}
		return nil
	},
}

var wakeupCmd = &cobra.Command{
	Use:   "wakeup <device>",
	Short: "Power on a console in standby",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := getPaired(args[0])
		if err != nil {
			return err
		}
		if err = d.Wakeup(); err != nil {
			return err
		}
		fmt.Println("wakeup sent, the console needs a few seconds to boot")
		return nil
	},
}

var standbyCmd = &cobra.Command{
	Use:   "standby <device>",
	Short: "Send an awake console to rest mode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := connect(cmd, args[0])
		if err != nil {
			return err
		}
		defer d.Close()
		return d.Standby()
	},
}

var startCmd = &cobra.Command{
	Use:   "start <device> <title-id>",
	Short: "Start a title, e.g. CUSA10000",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := connect(cmd, args[0])
		if err != nil {
			return err
		}
		defer d.Close()
		return d.StartTitle(args[1])
	},
}

var remoteCmd = &cobra.Command{
	Use:   "remote <device> <key>...",
	Short: "Press remote control keys (up, down, left, right, enter, back, option, ps)",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		hold, _ := cmd.Flags().GetDuration("hold")

		keys := make([]control.Key, 0, len(args)-1)
		for _, s := range args[1:] {
			key, err := control.ParseKey(s)
			if err != nil {
				return err
			}
			keys = append(keys, key)
		}

		d, err := connect(cmd, args[0])
		if err != nil {
			return err
		}
		defer d.Close()

		for _, key := range keys {
			if err = d.RemoteControl(key, hold); err != nil {
				return err
			}
		}
		return nil
	},
}

var linkCmd = &cobra.Command{
	Use:   "link <name>",
	Short: "Pair with the official companion app to harvest a credential",
	Long: `Impersonates a console named <name> on the local network. Open the
official companion app, pick the console named <name> and complete the
second screen setup - the credential it sends is captured and stored.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		hostID, _ := cmd.Flags().GetString("host-id")
		if hostID == "" {
			hostID = args[0]
		}

		fmt.Printf("waiting %s for the companion app to pick %q...\n", timeout, args[0])

		credential, err := devices.Pair(args[0], hostID, timeout)
		if errors.Is(err, pair.ErrPermission) {
			fmt.Fprintf(os.Stderr, "pairing listens on privileged UDP port %d; either run once as root or grant\n", ddp.DevicePort)
			fmt.Fprintf(os.Stderr, "the binary the capability:  sudo setcap 'cap_net_bind_service=+ep' %s\n", os.Args[0])
			return err
		}
		if err != nil {
			return err
		}

		fmt.Printf("credential stored for %s (%d bytes)\n", hostID, len(credential.Data))
		return nil
	},
}

var mediaCmd = &cobra.Command{
	Use:   "media <title-id>",
	Short: "Look up a title on the PS Store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		region, _ := cmd.Flags().GetString("region")

		title, err := media.New().Lookup(args[0], region)
		if err != nil {
			return err
		}

		fmt.Printf("name:  %s\n", title.Name)
		fmt.Printf("type:  %s\n", title.Type)
		fmt.Printf("cover: %s\n", title.CoverArt)
		return nil
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget <device>",
	Short: "Drop a console and its stored credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return devices.Forget(args[0])
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP/WebSocket API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		api.Init()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		fmt.Println("exit with signal:", <-sig)
		return nil
	},
}

func getDevice(name string) (*device.Device, error) {
	d := devices.Get(name)
	if d == nil {
		return nil, fmt.Errorf("unknown device: %q (try `psremote search`)", name)
	}
	return d, nil
}

func getPaired(name string) (*device.Device, error) {
	d, err := getDevice(name)
	if err != nil {
		return nil, err
	}
	if d.Credential.Data == "" {
		return nil, fmt.Errorf("device %q has no credential (run `psremote link`)", name)
	}
	return d, nil
}

func connect(cmd *cobra.Command, name string) (*device.Device, error) {
	d, err := getPaired(name)
	if err != nil {
		return nil, err
	}

	pin, _ := cmd.Flags().GetString("pin")
	if err = d.Connect(pin); err != nil {
		if errors.Is(err, control.ErrAuth) && pin == "" {
			return nil, fmt.Errorf("%w (first login needs --pin from the console's mobile app settings)", err)
		}
		return nil, err
	}
	return d, nil
}

func powerState(code int) string {
	switch code {
	case ddp.StatusAwake:
		return "awake"
	case ddp.StatusStandby:
		return "standby"
	}
	return fmt.Sprintf("unknown (%d)", code)
}
