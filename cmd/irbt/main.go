package main

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"irbt-go/internal/cloud"
	"irbt-go/internal/shadow"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command line and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	root := rootCmd(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return 0
	}
	if errors.Is(err, errNoAction) {
		return 1
	}
	bootLogger := slog.New(slog.NewTextHandler(stderr, nil))
	if errors.Is(err, cloud.ErrNoDeviceFound) {
		bootLogger.Error("no robot found in the account")
		return 0
	}
	bootLogger.Error("irbt failed", "err", err)
	return 1
}

var errNoAction = errors.New("no flags given")

type globalFlags struct {
	configPath string
	hookScript string
}

func rootCmd(stdout, stderr io.Writer) *cobra.Command {
	var g globalFlags
	var opts cliOptions

	root := &cobra.Command{
		Use:           "irbt",
		Short:         "Command line client for cloud-connected robot vacuums",
		Long:          "Lists the robots of an account, queries maps and history, and sends cleaning commands.\nSet IRBT_LOGIN and IRBT_PASSWORD.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().NFlag() == 0 {
				cmd.SetOut(stderr)
				_ = cmd.Help()
				return errNoAction
			}
			cfg, logger, err := setup(g, stderr)
			if err != nil {
				return err
			}
			shadow.ConfigureMQTTLogging(logger, opts.debugMQTT)

			username, password, err := credentials()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, username, password, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, a, opts, stdout)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "YAML configuration file (default $IRBT_CONFIG)")
	pf.StringVar(&g.hookScript, "hook", "", "Lua script receiving status updates")

	f := root.Flags()
	f.BoolVarP(&opts.listRobots, "robots", "R", false, "List robots")
	f.BoolVarP(&opts.showPassword, "robot-password", "p", false, "Show robot password")
	f.BoolVarP(&opts.robotInfos, "robot-infos", "I", false, "Show robot infos")
	f.BoolVarP(&opts.outputJSON, "output-json", "j", false, "Output as JSON if possible")
	f.BoolVarP(&opts.listRooms, "list-rooms", "l", false, "List rooms")
	f.BoolVarP(&opts.missions, "missions", "M", false, "Missions history")
	f.BoolVarP(&opts.evacHistory, "evachistory", "e", false, "Evacuation history")
	f.BoolVarP(&opts.timeline, "timeline", "t", false, "Timeline")
	f.BoolVarP(&opts.vectorMap, "map", "m", false, "Output current map")
	f.BoolVarP(&opts.associate, "assoc", "o", false, "Associate provided robot id with account")
	f.BoolVarP(&opts.raw, "raw", "w", false, "Output raw JSON from the server")
	f.BoolVarP(&opts.debugMQTT, "debug-mqtt", "d", false, "Debug MQTT")
	f.BoolVar(&opts.watch, "watch", false, "Keep printing status updates after a command")
	f.StringVarP(&opts.command, "cmd", "c", "", "Command for the robot (start, stop, pause, dock, find, resume, status)")
	f.StringVarP(&opts.roomIDs, "room-ids", "r", "", "Comma separated room ids to clean")
	f.StringVarP(&opts.robotID, "robot-id", "i", "", "Robot id (default: first robot of the account)")
	f.StringVarP(&opts.robotPass, "set-robot-password", "P", "", "Robot password for the association")

	root.AddCommand(serveCmd(&g, stderr))
	return root
}

// setup loads the configuration and builds the logger.
func setup(g globalFlags, stderr io.Writer) (*Config, *slog.Logger, error) {
	path, explicit := g.configPath, g.configPath != ""
	if !explicit {
		if env := os.Getenv("IRBT_CONFIG"); env != "" {
			path, explicit = env, true
		}
	}
	cfg, err := loadConfig(path, explicit)
	if err != nil {
		return nil, nil, err
	}
	if g.hookScript != "" {
		cfg.Hooks.Script = g.hookScript
	}
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg, stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
