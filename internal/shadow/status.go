package shadow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Snapshot is one status document from the shadow: the reply to a shadow
// get, or a delta pushed afterwards.
type Snapshot struct {
	DeviceID   string
	Delta      bool
	Reported   map[string]any
	Raw        json.RawMessage
	ReceivedAt time.Time
}

// ParseSnapshot decodes a shadow document. Full documents carry the robot
// state under state.reported; deltas carry the changed keys under state.
func ParseSnapshot(deviceID string, raw []byte, delta bool) (Snapshot, error) {
	var doc struct {
		State map[string]json.RawMessage `json:"state"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Snapshot{}, fmt.Errorf("decode shadow document: %w", err)
	}

	reported := map[string]any{}
	if rep, ok := doc.State["reported"]; ok {
		if err := json.Unmarshal(rep, &reported); err != nil {
			return Snapshot{}, fmt.Errorf("decode reported state: %w", err)
		}
	} else if delta {
		for k, v := range doc.State {
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return Snapshot{}, fmt.Errorf("decode delta key %s: %w", k, err)
			}
			reported[k] = val
		}
	}

	return Snapshot{
		DeviceID:   deviceID,
		Delta:      delta,
		Reported:   reported,
		Raw:        json.RawMessage(bytes.Clone(raw)),
		ReceivedAt: time.Now(),
	}, nil
}

// Field is one line of a status summary.
type Field struct {
	Name  string
	Value string
}

var summaryFields = []struct {
	name   string
	path   string
	format string
}{
	{"Battery", "batPct", "%v%%"},
	{"Name", "name", "%v"},
	{"Bin Present", "bin.present", "%v"},
	{"Bin full", "bin.full", "%v"},
	{"Mission phase", "cleanMissionStatus.cycle", "%v"},
	{"Initiator", "cleanMissionStatus.initiator", "%v"},
	{"Last Command", "lastCommand.command", "%v"},
	{"Time Zone", "timezone", "%v"},
	{"Cloud env", "cloudEnv", "%v"},
	{"Cloud connected", "connected", "%v"},
	{"Country", "country", "%v"},
	{"Wlan mac address", "hwPartsRev.wlan0HwAddr", "%v"},
}

// Summary picks the commonly useful fields out of the reported state, in a
// fixed order. Fields the robot did not report are skipped.
func (s Snapshot) Summary() []Field {
	var out []Field
	for _, f := range summaryFields {
		v, ok := lookup(s.Reported, f.path)
		if !ok {
			continue
		}
		out = append(out, Field{Name: f.name, Value: fmt.Sprintf(f.format, v)})
	}
	return out
}

// SummaryJSON renders Summary as a JSON object keeping field order.
// Reported values keep their JSON type; formatted fields such as Battery
// are strings.
func (s Snapshot) SummaryJSON() []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	n := 0
	for _, f := range summaryFields {
		v, ok := lookup(s.Reported, f.path)
		if !ok {
			continue
		}
		if f.format != "%v" {
			v = fmt.Sprintf(f.format, v)
		}
		val, err := json.Marshal(v)
		if err != nil {
			continue
		}
		if n > 0 {
			buf.WriteString(", ")
		}
		n++
		k, _ := json.Marshal(f.name)
		buf.Write(k)
		buf.WriteString(": ")
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// Lookup returns the reported value at a dotted path such as "bin.full".
func (s Snapshot) Lookup(path string) (any, bool) {
	return lookup(s.Reported, path)
}

func lookup(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}
