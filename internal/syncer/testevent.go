package syncer

import (
	"time"

	"github.com/google/uuid"

	"wiguard/internal/model"
)

// testEvent builds the raw backend object for a locally generated test
// record, in the shape the domain's backend itself reports.
func testEvent(domain model.Domain, now time.Time) map[string]any {
	ev := map[string]any{
		"id":        uuid.NewString(),
		"timestamp": now.Format(time.RFC3339Nano),
		"source":    "test",
	}
	switch domain {
	case model.DomainGPS:
		ev["latitude"] = 31.9539
		ev["longitude"] = 35.9106
		ev["hdop"] = 0.8
		ev["satellites"] = 9
		ev["jamming_detected"] = true
	case model.DomainBluetooth:
		ev["device_id"] = "02:00:00:00:00:01"
		ev["device_name"] = "Test Device"
		ev["signal_strength"] = -48
		ev["threat_level"] = "high"
		ev["detection_type"] = "test"
	case model.DomainDeauth:
		ev["alert_type"] = "Deauth Attack"
		ev["attacker_bssid"] = "02:00:00:00:00:02"
		ev["attacker_ssid"] = "TestAP"
		ev["destination_bssid"] = "02:00:00:00:00:03"
		ev["destination_ssid"] = "TestNetwork"
		ev["attack_count"] = 1
	case model.DomainNetwork:
		ev["source_ip"] = "192.0.2.10"
		ev["destination_ip"] = "192.0.2.1"
		ev["protocol"] = "tcp"
		ev["signature"] = "Test alert"
		ev["alert_severity"] = "high"
		ev["category"] = "test"
	}
	return ev
}
