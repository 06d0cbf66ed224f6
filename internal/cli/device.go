package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/bolasblack/rfdeploy/internal/config"
	"github.com/bolasblack/rfdeploy/internal/device"
	deployerrors "github.com/bolasblack/rfdeploy/internal/errors"
	"github.com/bolasblack/rfdeploy/internal/lock"
	"github.com/bolasblack/rfdeploy/internal/logging"
	"github.com/bolasblack/rfdeploy/internal/util"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Inspect and control an attached radio",
	Long: `Talk to an attached Ethos radio over its USB HID control interface.

These commands do not take the deploy lock; do not run them while a deploy
to the same radio is in progress.`,
}

var deviceInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the radio's board id and mounted volumes",
	Args:  cobra.NoArgs,
	RunE: withDevice(func(ctx context.Context, w io.Writer, ctrl *device.Controller) error {
		sess, err := ctrl.Open(ctx)
		if err != nil {
			return err
		}
		defer sess.Close()
		scripts, _ := sess.ScriptsDir(ctrl.Scanner())
		renderSession(w, sess, scripts)
		return nil
	}),
}

var deviceDrivesCmd = &cobra.Command{
	Use:   "drives",
	Short: "List mounted radio volumes",
	Long:  `List mounted volumes carrying a radio marker file. Does not open the USB link.`,
	Args:  cobra.NoArgs,
	RunE: withDevice(func(_ context.Context, w io.Writer, ctrl *device.Controller) error {
		drives, err := ctrl.Scanner().ScanDrives()
		if err != nil {
			return deployerrors.Wrap(err, deployerrors.ErrDeviceIO, "failed to list mounted volumes")
		}
		renderDrives(w, drives)
		if scripts, ok := ctrl.Scanner().ResolveScriptsDir(); ok {
			fmt.Fprintf(w, "Scripts: %s\n", scripts)
		}
		return nil
	}),
}

var deviceModeCmd = &cobra.Command{
	Use:       "mode <debug|storage>",
	Short:     "Switch the radio's USB mode",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"debug", "storage"},
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := device.ParseUSBMode(args[0])
		if err != nil {
			return deployerrors.Wrap(err, deployerrors.ErrConfigValid, "invalid mode")
		}
		return withDevice(func(ctx context.Context, w io.Writer, ctrl *device.Controller) error {
			if err := ctrl.SetMode(ctx, mode); err != nil {
				return err
			}
			progressDone(w, "Radio switched to %s mode\n", mode)
			return nil
		})(cmd, args)
	},
}

var deviceRebootCmd = &cobra.Command{
	Use:   "reboot",
	Short: "Reboot the radio",
	Args:  cobra.NoArgs,
	RunE: withDevice(func(ctx context.Context, w io.Writer, ctrl *device.Controller) error {
		if err := ctrl.Reboot(ctx); err != nil {
			return err
		}
		progressDone(w, "Reboot requested\n")
		return nil
	}),
}

func init() {
	deviceCmd.AddCommand(deviceInfoCmd)
	deviceCmd.AddCommand(deviceDrivesCmd)
	deviceCmd.AddCommand(deviceModeCmd)
	deviceCmd.AddCommand(deviceRebootCmd)
}

// withDevice sets up logging and a Controller from the optional config,
// then runs fn.
func withDevice(fn func(ctx context.Context, w io.Writer, ctrl *device.Controller) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		closeLog := logging.Setup(verbosity, cmd.ErrOrStderr())
		defer closeLog()

		cwd, err := getCwd()
		if err != nil {
			return err
		}
		env := util.NewOsEnv()
		cfg, err := deviceConfig(env, configPath, cwd)
		if err != nil {
			return err
		}
		ctrl, _ := newDevice(cfg, env)
		return fn(cmd.Context(), cmd.OutOrStdout(), ctrl)
	}
}

// deviceConfig loads the config when there is one; device commands work
// with the defaults otherwise.
func deviceConfig(env *util.Env, explicit, cwd string) (config.Config, error) {
	cfg, err := loadConfig(env, explicit, cwd, os.Getenv)
	if deployerrors.IsCode(err, deployerrors.ErrConfigLoad) && explicit == "" {
		cfg = config.DefaultConfig()
		if err := cfg.ApplyEnv(os.Getenv); err != nil {
			return config.Config{}, err
		}
		return cfg, nil
	}
	return cfg, err
}

// newDevice builds the HID controller and mount locator for cfg.
func newDevice(cfg config.Config, env *util.Env) (*device.Controller, *device.Locator) {
	scanner := device.NewScanner(env.Fs, device.NewProcMounts(env.Fs))
	suite := device.NewSuite(cfg.EthosSuiteBin, env)
	connect := device.ConnectOptions{
		VendorID:  cfg.Device.VendorID,
		ProductID: cfg.Device.ProductID,
		Retries:   cfg.Device.ConnectRetries,
		Delay:     cfg.Device.ConnectDelay.Duration,
	}
	return device.NewController(device.NewHIDRaw(env.Fs), connect, suite, scanner), device.NewLocator(scanner, suite)
}

func renderSession(w io.Writer, sess *device.Session, scripts string) {
	fmt.Fprintf(w, "Device:  %04x:%04x\n", sess.VendorID, sess.ProductID)
	if sess.Info == nil {
		fmt.Fprintln(w, "Board:   no answer")
	} else {
		fmt.Fprintf(w, "Board:   %d (scripts on %s)\n", sess.Info.Board, sess.Info.DefaultStorage)
	}
	renderDrives(w, sess.Drives)
	if scripts != "" {
		fmt.Fprintf(w, "Scripts: %s\n", scripts)
	}
}

func renderDrives(w io.Writer, drives map[device.Role]string) {
	if len(drives) == 0 {
		fmt.Fprintln(w, "Drives:  none mounted")
		return
	}
	fmt.Fprintln(w, "Drives:")
	for _, role := range device.Roles {
		if p, ok := drives[role]; ok {
			fmt.Fprintf(w, "  %-7s %s\n", role, p)
		}
	}
}

// followConsole stops a console left running by an earlier deploy, then
// follows the radio's serial output until interrupted.
func followConsole(ctx context.Context, pidFile *lock.PIDFile, ports device.SerialPorts, cfg config.Config, out io.Writer) error {
	log := logging.Get("cli")
	stopped, err := pidFile.TakeOver()
	if err != nil {
		return err
	}
	if stopped != 0 {
		log.Info().Int("pid", stopped).Msg("stopped previous serial console")
	}
	defer func() {
		if err := pidFile.Release(); err != nil {
			log.Warn().Err(err).Str("pidfile", pidFile.Path()).Msg("failed to remove console pid file")
		}
	}()

	fmt.Fprintln(out, "Following the serial console. Press Ctrl+C to stop.")
	return device.NewConsole(ports, consoleOptions(cfg)).Follow(ctx, out)
}

func consoleOptions(cfg config.Config) device.ConsoleOptions {
	s := cfg.Serial
	return device.ConsoleOptions{
		VendorID:     s.VendorID,
		ProductID:    s.ProductID,
		Baud:         s.Baud,
		Retries:      s.Retries,
		RetryDelay:   s.RetryDelay.Duration,
		OpenAttempts: s.OpenAttempts,
		NameHint:     s.NameHint,
		Warmup:       s.Warmup.Duration,
	}
}
