package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"irbt-go/internal/cloud"
	"irbt-go/internal/shadow"
)

// cliOptions are the root command flags.
type cliOptions struct {
	listRobots   bool
	showPassword bool
	robotInfos   bool
	outputJSON   bool
	listRooms    bool
	missions     bool
	evacHistory  bool
	timeline     bool
	vectorMap    bool
	associate    bool
	raw          bool
	debugMQTT    bool
	watch        bool
	command      string
	roomIDs      string
	robotID      string
	robotPass    string
}

// run executes one CLI invocation against a. Command output goes to out.
func run(ctx context.Context, a *app, opts cliOptions, out io.Writer) error {
	if err := a.login(ctx); err != nil {
		return err
	}

	if opts.associate {
		if opts.robotID == "" || opts.robotPass == "" {
			return fmt.Errorf("no robot id or password provided for the association: %w", cloud.ErrMissingParameter)
		}
		if _, err := a.dir.Associate(ctx, opts.robotID, opts.robotPass); err != nil {
			return err
		}
		a.logger.Info("robot associated", "device", opts.robotID)
	}

	deviceID, err := a.dir.ResolveDeviceID(ctx, opts.robotID)
	if err != nil {
		return err
	}

	switch {
	case opts.listRobots:
		devices, err := a.dir.ListDevices(ctx)
		if err != nil {
			return err
		}
		for i, d := range devices {
			fmt.Fprintf(out, "robot %d : %s\n", i, d.ID)
		}
		return nil

	case opts.showPassword:
		dev, err := a.dir.Device(ctx, deviceID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Robot password: %s\n", dev.Password)
		return nil

	case opts.robotInfos:
		dev, err := a.dir.Device(ctx, deviceID)
		if err != nil {
			return err
		}
		if opts.outputJSON {
			return printJSON(out, dev.Raw)
		}
		fmt.Fprintf(out, "Informations on %s\n    Name: %s\n    Model: %s\n    Password: %s\n    Software Version: %s\n",
			deviceID, dev.Name, dev.SKU, dev.Password, dev.SoftwareVersion)
		return nil
	}

	robot := a.robot(deviceID)
	switch {
	case opts.listRooms:
		rooms, err := robot.Rooms(ctx)
		if err != nil {
			return err
		}
		for _, room := range rooms {
			fmt.Fprintf(out, "%s: %s\n", room.Name, room.ID)
		}
		return nil

	case opts.missions:
		return dump(ctx, out, robot.Missions)

	case opts.evacHistory:
		return dump(ctx, out, robot.EvacuationHistory)

	case opts.timeline:
		return dump(ctx, out, robot.Timeline)

	case opts.vectorMap:
		if _, err := robot.ListMaps(ctx); err != nil {
			return err
		}
		return dump(ctx, out, func(ctx context.Context) (json.RawMessage, error) {
			return robot.VectorMap(ctx, "", "")
		})

	case opts.command != "":
		return runCommand(ctx, a, robot, opts, out)
	}
	return nil
}

// runCommand sends one command and prints the reported status. With watch
// set it keeps printing deltas until ctx is done.
func runCommand(ctx context.Context, a *app, robot *cloud.Robot, opts cliOptions, out io.Writer) error {
	cmd, err := shadow.ParseCommand(opts.command)
	if err != nil {
		return err
	}

	var active cloud.ActiveMap
	if cmd == shadow.CommandStart && opts.roomIDs != "" {
		// Room ids belong to the current map version, which a fresh listing
		// resolves.
		listing, err := robot.ListMaps(ctx)
		if err != nil {
			return err
		}
		if listing.Active != nil {
			active = *listing.Active
		}
	}

	disp, err := a.dispatcher()
	if err != nil {
		return err
	}
	sess, err := disp.Send(ctx, robot.ID(), cmd, opts.roomIDs, active)
	defer sess.Disconnect()
	if err != nil {
		return err
	}

	var sub *shadow.Subscription
	if opts.watch {
		sub = sess.Subscribe()
		defer sub.Close()
	}
	snap, _ := sess.Status()
	if err := printSnapshot(out, snap, opts.raw); err != nil {
		return err
	}
	if sub == nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case delta, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := printSnapshot(out, delta, opts.raw); err != nil {
				return err
			}
		}
	}
}

func printSnapshot(out io.Writer, snap shadow.Snapshot, raw bool) error {
	if raw {
		return printJSON(out, snap.Raw)
	}
	if snap.Delta {
		data, err := json.Marshal(snap.Reported)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	_, err := fmt.Fprintln(out, string(snap.SummaryJSON()))
	return err
}

func dump(ctx context.Context, out io.Writer, fetch func(context.Context) (json.RawMessage, error)) error {
	raw, err := fetch(ctx)
	if err != nil {
		return err
	}
	return printJSON(out, raw)
}

func printJSON(out io.Writer, raw []byte) error {
	if len(raw) == 0 {
		return errors.New("empty document")
	}
	_, err := fmt.Fprintln(out, string(raw))
	return err
}
