package shadow

import (
	"testing"
)

func TestSummaryOrder(t *testing.T) {
	snap, err := ParseSnapshot(testDevice, []byte(shadowDoc), false)
	if err != nil {
		t.Fatal(err)
	}
	want := []Field{
		{"Battery", "100%"},
		{"Name", "Lemon"},
		{"Bin Present", "true"},
		{"Bin full", "false"},
		{"Mission phase", "none"},
		{"Initiator", "rmtApp"},
		{"Last Command", "dock"},
		{"Time Zone", "Europe/Paris"},
		{"Cloud env", "prod"},
		{"Cloud connected", "true"},
		{"Country", "FR"},
		{"Wlan mac address", "50:14:79:00:00:00"},
	}
	got := snap.Summary()
	if len(got) != len(want) {
		t.Fatalf("summary = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("field %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSummaryJSONKeepsValueTypes(t *testing.T) {
	snap, err := ParseSnapshot(testDevice, []byte(`{"state":{"reported":{"batPct":64,"name":"Lemon","bin":{"present":true,"full":false},"connected":false}}}`), false)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"Battery": "64%", "Name": "Lemon", "Bin Present": true, "Bin full": false, "Cloud connected": false}`
	if got := string(snap.SummaryJSON()); got != want {
		t.Errorf("json = %s\nwant %s", got, want)
	}
}

func TestSummarySkipsMissingFields(t *testing.T) {
	snap, err := ParseSnapshot(testDevice, []byte(`{"state":{"reported":{"name":"Lemon","bin":"broken"}}}`), false)
	if err != nil {
		t.Fatal(err)
	}
	got := snap.Summary()
	if len(got) != 1 || got[0].Name != "Name" {
		t.Errorf("summary = %+v", got)
	}
	if string(snap.SummaryJSON()) != `{"Name": "Lemon"}` {
		t.Errorf("json = %s", snap.SummaryJSON())
	}
}

func TestParseDelta(t *testing.T) {
	snap, err := ParseSnapshot(testDevice, []byte(`{"state":{"batPct":42,"bin":{"full":true}},"version":3}`), true)
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Delta || snap.DeviceID != testDevice {
		t.Errorf("snapshot = %+v", snap)
	}
	if v, ok := snap.Lookup("bin.full"); !ok || v != true {
		t.Errorf("bin.full = %v, %v", v, ok)
	}
	if got := snap.Summary(); len(got) != 2 || got[0].Value != "42%" {
		t.Errorf("summary = %+v", got)
	}
}

func TestParseSnapshotWithoutState(t *testing.T) {
	snap, err := ParseSnapshot(testDevice, []byte(`{"version":1}`), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Summary()) != 0 || snap.Reported == nil {
		t.Errorf("snapshot = %+v", snap)
	}
	if _, err := ParseSnapshot(testDevice, []byte(`nope`), false); err == nil {
		t.Error("expected decode error")
	}
}
