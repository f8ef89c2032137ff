package cloudtest

// DeviceID is the robot the fixtures describe.
const DeviceID = "1234ABCD1234ABCD1234ABCD1234ABCD"

// SecondDeviceID is listed after DeviceID in RobotsJSON.
const SecondDeviceID = "0000FFFF0000FFFF0000FFFF0000FFFF"

// RobotsJSON is a two-device association listing. SecondDeviceID sorts
// before DeviceID, so callers that lose key order pick the wrong one.
const RobotsJSON = `{
  "1234ABCD1234ABCD1234ABCD1234ABCD": {
    "cap": {"5ghz": 1, "area": 1, "binFullDetect": 1, "maps": 3, "pmaps": 1},
    "name": "Lemon",
    "password": ":1:1234567891:abcdefghijklmnop",
    "sku": "i715840",
    "softwareVer": "lewis+3.0.11+lewis-release-rt319+14"
  },
  "0000FFFF0000FFFF0000FFFF0000FFFF": {
    "cap": {"pmaps": 0},
    "name": "Lime",
    "password": ":1:0000000000:zyxwvutsrqponmlk",
    "sku": "e515020",
    "softwareVer": "soho+3.10.8+soho-release-420+13"
  }
}`

// MapsJSON is a single-map listing with seven regions.
const MapsJSON = `[
  {
    "active_pmapv_details": {
      "active_pmapv": {
        "creator": "user",
        "last_user_pmapv_id": "134043T209849",
        "pmap_id": "en12a9_lTglkpPqazxDWED",
        "pmapv_id": "134043T209849",
        "proc_state": "OK_Processed"
      },
      "map_header": {
        "id": "en12a9_lTglkpPqazxDWED",
        "learning_percentage": 100,
        "name": "Appartement",
        "resolution": 0.10500000417232513,
        "version": "134043T209849"
      },
      "regions": [
        {"id": "1", "name": "Living Room", "region_type": "living_room"},
        {"id": "2", "name": "Kitchen", "region_type": "kitchen"},
        {"id": "3", "name": "Foyer 1", "region_type": "foyer"},
        {"id": "4", "name": "BedRoom 1", "region_type": "bedroom"},
        {"id": "5", "name": "BedRoom 2", "region_type": "bedroom"},
        {"id": "6", "name": "BathRoom", "region_type": "bathroom"},
        {"id": "7", "name": "Custom", "region_type": "custom"}
      ]
    },
    "active_pmapv_id": "134043T209849",
    "pmap_id": "en12a9_lTglkpPqazxDWED",
    "robot_pmapv_id": "191020T232046",
    "state": "active",
    "user_pmapv_id": "134043T209849",
    "visible": true
  }
]`

// Fixture map identifiers from MapsJSON.
const (
	MapID     = "en12a9_lTglkpPqazxDWED"
	VersionID = "134043T209849"
)

// MissionsJSON is a one-entry mission history.
const MissionsJSON = `[{"cmd": {"command": "dock", "initiator": "rmtApp", "ordered": 0, "state": "desired"},
  "done": "stuck", "initiator": "ifttt", "nMssn": 183, "robot_id": "1234ABCD1234ABCD1234ABCD1234ABCD",
  "startTime": 1571613647}]`

// EvacuationsJSON is an empty evacuation history.
const EvacuationsJSON = `{"robotId": "1234ABCD1234ABCD1234ABCD1234ABCD", "evacs": []}`

// TimelineJSON is a one-event timeline.
const TimelineJSON = `{"events": [{"event_type": "HKC", "event_id": "6973ba11c979476cac8266fba43af2b9",
  "robot_id": "1234ABCD1234ABCD1234ABCD1234ABCD", "start_time": 1570902080}]}`

// SeedRobot registers the fixture listings for DeviceID.
func (s *Server) SeedRobot() {
	s.Handle("GET", "user/associations/robots", RobotsJSON)
	s.Handle("GET", DeviceID+"/pmaps", MapsJSON)
	s.Handle("GET", DeviceID+"/missionhistory", MissionsJSON)
	s.Handle("GET", "evachistory", EvacuationsJSON)
	s.Handle("GET", "robots/"+DeviceID+"/timeline", TimelineJSON)
	s.Handle("GET", DeviceID+"/pmaps/"+MapID+"/versions/"+VersionID+"/umf", `{}`)
}
