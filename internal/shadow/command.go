// Package shadow sends commands to a robot over the vendor's AWS IoT broker
// and reads its state back through the device shadow.
package shadow

import (
	"encoding/json"
	"fmt"
	"strings"

	"irbt-go/internal/cloud"
)

// Command is a robot action published on the command topic.
type Command string

const (
	CommandStart  Command = "start"
	CommandStop   Command = "stop"
	CommandPause  Command = "pause"
	CommandDock   Command = "dock"
	CommandFind   Command = "find"
	CommandResume Command = "resume"
	// CommandStatus only reads the shadow; nothing is published.
	CommandStatus Command = "status"
)

// Commands lists every accepted command.
var Commands = []Command{CommandStart, CommandStop, CommandPause, CommandDock, CommandFind, CommandResume, CommandStatus}

// ParseCommand validates a command name.
func ParseCommand(s string) (Command, error) {
	for _, c := range Commands {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, s)
}

// RegionRef selects one region of a map in a room-scoped start.
type RegionRef struct {
	RegionID string `json:"region_id"`
}

// Message is the desired-state document published to the robot.
type Message struct {
	State       string      `json:"state"`
	Command     Command     `json:"command"`
	Initiator   string      `json:"initiator"`
	Ordered     int         `json:"ordered"`
	PmapID      string      `json:"pmap_id,omitempty"`
	Regions     []RegionRef `json:"regions,omitempty"`
	UserPmapvID string      `json:"user_pmapv_id,omitempty"`
}

// BuildMessage builds the payload for cmd. rooms is a comma separated list
// of region ids; it only applies to start and then targets active.
func BuildMessage(cmd Command, rooms string, active cloud.ActiveMap) (Message, error) {
	msg := Message{
		State:     "desired",
		Command:   cmd,
		Initiator: "rmtApp",
	}
	if cmd != CommandStart || rooms == "" {
		return msg, nil
	}
	if active.MapID == "" || active.VersionID == "" {
		return Message{}, fmt.Errorf("room-scoped start: %w", cloud.ErrNoActiveMap)
	}

	for _, id := range strings.Split(rooms, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		msg.Regions = append(msg.Regions, RegionRef{RegionID: id})
	}
	if len(msg.Regions) == 0 {
		return Message{}, fmt.Errorf("%w: room ids", cloud.ErrMissingParameter)
	}
	msg.PmapID = active.MapID
	msg.UserPmapvID = active.VersionID
	return msg, nil
}

// Encode returns the JSON wire form.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// CommandTopic is the topic commands for deviceID are published on.
func CommandTopic(prefix, deviceID string) string {
	return prefix + "/things/" + deviceID + "/cmd"
}

func shadowTopic(deviceID, suffix string) string {
	return "$aws/things/" + deviceID + "/shadow/" + suffix
}
