package shadow

import (
	"errors"
	"testing"

	"irbt-go/internal/cloud"
)

func TestBuildMessage(t *testing.T) {
	active := cloud.ActiveMap{MapID: "M1", VersionID: "V1"}
	tests := []struct {
		name  string
		cmd   Command
		rooms string
		want  string
	}{
		{"stop", CommandStop, "", `{"state":"desired","command":"stop","initiator":"rmtApp","ordered":0}`},
		{"full clean", CommandStart, "", `{"state":"desired","command":"start","initiator":"rmtApp","ordered":0}`},
		{"two rooms", CommandStart, "3,5",
			`{"state":"desired","command":"start","initiator":"rmtApp","ordered":0,"pmap_id":"M1","regions":[{"region_id":"3"},{"region_id":"5"}],"user_pmapv_id":"V1"}`},
		{"one room", CommandStart, "7",
			`{"state":"desired","command":"start","initiator":"rmtApp","ordered":0,"pmap_id":"M1","regions":[{"region_id":"7"}],"user_pmapv_id":"V1"}`},
		{"spaces trimmed", CommandStart, "1, 2",
			`{"state":"desired","command":"start","initiator":"rmtApp","ordered":0,"pmap_id":"M1","regions":[{"region_id":"1"},{"region_id":"2"}],"user_pmapv_id":"V1"}`},
		{"rooms ignored for dock", CommandDock, "3,5", `{"state":"desired","command":"dock","initiator":"rmtApp","ordered":0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := BuildMessage(tt.cmd, tt.rooms, active)
			if err != nil {
				t.Fatal(err)
			}
			got, err := msg.Encode()
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("payload =\n%s\nwant\n%s", got, tt.want)
			}
		})
	}
}

func TestBuildMessageErrors(t *testing.T) {
	if _, err := BuildMessage(CommandStart, "3", cloud.ActiveMap{}); !errors.Is(err, cloud.ErrNoActiveMap) {
		t.Errorf("no active map: err = %v", err)
	}
	if _, err := BuildMessage(CommandStart, ",,", cloud.ActiveMap{MapID: "M", VersionID: "V"}); !errors.Is(err, cloud.ErrMissingParameter) {
		t.Errorf("empty room list: err = %v", err)
	}
}

func TestParseCommand(t *testing.T) {
	for _, c := range Commands {
		got, err := ParseCommand(string(c))
		if err != nil || got != c {
			t.Errorf("ParseCommand(%q) = %q, %v", c, got, err)
		}
	}
	if _, err := ParseCommand("vacuum"); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("err = %v, want ErrUnknownCommand", err)
	}
}

func TestTopics(t *testing.T) {
	if got := CommandTopic("v011-irbthbu", "ABC"); got != "v011-irbthbu/things/ABC/cmd" {
		t.Errorf("command topic = %q", got)
	}
	if got := shadowTopic("ABC", "update/delta"); got != "$aws/things/ABC/shadow/update/delta" {
		t.Errorf("delta topic = %q", got)
	}
}
