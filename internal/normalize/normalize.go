package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"wiguard/internal/model"
)

// RawEvent is one decoded JSON object as returned by a backend.
type RawEvent map[string]any

// Normalizer turns raw backend objects into records for one domain.
// Missing fields are defaulted; it never rejects an event.
type Normalizer struct {
	Domain    model.Domain
	Source    string
	Location  *time.Location
	Watchlist *Watchlist
	Now       func() time.Time
}

func New(domain model.Domain, watchlist *Watchlist) *Normalizer {
	return &Normalizer{Domain: domain, Source: string(domain), Location: time.UTC, Watchlist: watchlist}
}

func (n *Normalizer) now() time.Time {
	if n.Now != nil {
		return n.Now().UTC()
	}
	return time.Now().UTC()
}

func (n *Normalizer) Normalize(raw RawEvent) model.Record {
	fields := lowerKeys(raw)
	now := n.now()
	loc := n.Location
	if loc == nil {
		loc = time.UTC
	}

	ts := now
	stamped := false
	if v := str(fields, "timestamp", "time", "ts", "detected_at", "last_seen", "created_at"); v != "" {
		if parsed, err := ParseTimestamp(v, loc); err == nil {
			ts = parsed.UTC()
			stamped = true
		}
	}
	source := str(fields, "source", "tool_name", "sensor", "sensor_id")
	if source == "" {
		source = n.Source
	}
	rec := model.Record{
		ID:        str(fields, "id", "_id", "event_id", "uuid", "alert_id"),
		Domain:    n.Domain,
		Source:    source,
		Timestamp: ts,
		FirstSeen: ts,
		LastSeen:  ts,
		Severity:  model.SeverityLow,
	}
	switch {
	case rec.ID != "":
	case stamped:
		rec.ID = source + "|" + ts.Format(time.RFC3339Nano)
	default:
		// Without id or time the content is the only stable identity.
		rec.ID = source + "|" + contentID(fields)
	}

	used := map[string]struct{}{}
	switch n.Domain {
	case model.DomainGPS:
		normalizeGPS(&rec, fields, used)
	case model.DomainBluetooth:
		normalizeBluetooth(&rec, fields, used)
	case model.DomainDeauth:
		normalizeDeauth(&rec, fields, used)
	case model.DomainNetwork:
		normalizeNetwork(&rec, fields, used)
	}

	for key, a := range annotationKeys {
		if v, ok := fields[key]; ok && v != nil {
			rec.SetAnnotation(a, toBool(v))
		}
	}

	for k, v := range fields {
		if _, ok := used[k]; ok || isCommonKey(k) {
			continue
		}
		if rec.Extras == nil {
			rec.Extras = map[string]string{}
		}
		rec.Extras[k] = stringify(v)
	}
	if n.Watchlist != nil {
		n.Watchlist.Apply(&rec)
	}
	return rec
}

func normalizeGPS(rec *model.Record, f map[string]any, used map[string]struct{}) {
	attrs := &model.GPSAttrs{
		Latitude:   num(f, used, "latitude", "lat"),
		Longitude:  num(f, used, "longitude", "lng", "lon"),
		HDOP:       num(f, used, "hdop"),
		Satellites: int(num(f, used, "satellites", "sats")),
		DeviceID:   strUsed(f, used, "device_id", "device"),
	}
	attrs.Accuracy = num(f, used, "accuracy")
	if attrs.Accuracy <= 0 {
		if attrs.HDOP > 0 {
			attrs.Accuracy = attrs.HDOP * 10
		} else {
			attrs.Accuracy = 5
		}
	}
	anomaly := toBool(f["jamming_detected"]) || toBool(f["anomaly"]) || toBool(f["spoofing_detected"])
	used["jamming_detected"], used["anomaly"], used["spoofing_detected"] = struct{}{}, struct{}{}, struct{}{}
	if anomaly {
		rec.Category = "anomaly"
		rec.Severity = model.SeverityHigh
	} else {
		rec.Category = "normal"
	}
	rec.GPS = attrs
}

func normalizeBluetooth(rec *model.Record, f map[string]any, used map[string]struct{}) {
	attrs := &model.BluetoothAttrs{
		DeviceID:      strUsed(f, used, "device_id", "mac", "address"),
		DeviceName:    strUsed(f, used, "device_name", "name"),
		Signal:        num(f, used, "signal_strength", "rssi", "signal"),
		MaxSignal:     num(f, used, "max_signal"),
		Channel:       int(num(f, used, "channel")),
		DetectionType: strUsed(f, used, "detection_type"),
	}
	if attrs.DeviceID == "" {
		attrs.DeviceID = "unknown"
	}
	if attrs.DeviceName == "" {
		attrs.DeviceName = attrs.DeviceID
	}
	if attrs.MaxSignal == 0 {
		attrs.MaxSignal = attrs.Signal
	}
	rec.Severity = model.ParseSeverity(strUsed(f, used, "threat_level", "severity"))
	rec.Category = attrs.DetectionType
	if rec.Category == "" {
		rec.Category = "device"
	}
	rec.Bluetooth = attrs
}

func normalizeDeauth(rec *model.Record, f map[string]any, used map[string]struct{}) {
	alertType := strUsed(f, used, "alert_type", "event")
	if alertType == "" {
		alertType = "Deauth Attack"
	}
	attrs := &model.DeauthAttrs{
		Kind:          strings.ToLower(strUsed(f, used, "type", "kind")),
		AttackerBSSID: orUnknown(strUsed(f, used, "attacker_bssid", "attacker_mac", "source_bssid")),
		AttackerSSID:  orUnknown(strUsed(f, used, "attacker_ssid", "source_ssid")),
		TargetBSSID:   orUnknown(strUsed(f, used, "destination_bssid", "target_bssid")),
		TargetSSID:    orUnknown(strUsed(f, used, "destination_ssid", "target_ssid")),
		Count:         1,
	}
	if v, ok := f["attack_count"]; ok {
		used["attack_count"] = struct{}{}
		if c, ok := toFloat(v); ok && c >= 0 {
			attrs.Count = int(c)
		}
	}
	if attrs.Kind == "" {
		if strings.Contains(strings.ToLower(alertType), "evil") {
			attrs.Kind = "evil-twin"
		} else {
			attrs.Kind = "deauth"
		}
	}
	if strings.Contains(strings.ToLower(alertType), "deauth") {
		rec.Severity = model.SeverityCritical
	} else {
		rec.Severity = model.SeverityMedium
	}
	rec.Category = attrs.Kind
	// attacks are assumed ongoing until the operator or backend says otherwise
	rec.Active = true
	rec.Deauth = attrs
}

func normalizeNetwork(rec *model.Record, f map[string]any, used map[string]struct{}) {
	attrs := &model.NetworkAttrs{
		SourceIP:      strUsed(f, used, "source_ip", "src_ip"),
		DestinationIP: strUsed(f, used, "destination_ip", "dest_ip", "dst_ip"),
		Protocol:      strings.ToUpper(strUsed(f, used, "protocol", "proto")),
		Signature:     strUsed(f, used, "signature", "alert_signature"),
	}
	rec.Severity = networkSeverity(strUsed(f, used, "alert_severity", "severity"))
	rec.Category = strUsed(f, used, "category", "alert_category")
	if rec.Category == "" {
		rec.Category = "alert"
	}
	rec.Network = attrs
}

// networkSeverity accepts both words and Suricata priorities (1 is the most severe).
func networkSeverity(v string) model.Severity {
	switch strings.TrimSpace(v) {
	case "1":
		return model.SeverityHigh
	case "2":
		return model.SeverityMedium
	case "3", "4":
		return model.SeverityLow
	}
	return model.ParseSeverity(v)
}

func orUnknown(v string) string {
	if v == "" {
		return "Unknown"
	}
	return v
}

var annotationKeys = map[string]model.Annotation{
	"flagged": model.AnnotationFlagged,
	"blocked": model.AnnotationBlocked,
	"active":  model.AnnotationActive,
}

var commonKeys = map[string]struct{}{
	"id": {}, "_id": {}, "event_id": {}, "uuid": {}, "alert_id": {},
	"timestamp": {}, "time": {}, "ts": {}, "detected_at": {}, "last_seen": {}, "created_at": {},
	"source": {}, "tool_name": {}, "sensor": {}, "sensor_id": {},
	"flagged": {}, "blocked": {}, "active": {},
}

func isCommonKey(k string) bool {
	_, ok := commonKeys[k]
	return ok
}

// contentID hashes the event's fields, annotations excluded so a toggled
// flag on the backend does not change the identity.
func contentID(fields map[string]any) string {
	ident := make(map[string]any, len(fields))
	for k, v := range fields {
		if _, ok := annotationKeys[k]; ok {
			continue
		}
		ident[k] = v
	}
	b, _ := json.Marshal(ident)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

func lowerKeys(raw RawEvent) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

func str(f map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := f[k]
		if !ok || v == nil {
			continue
		}
		if s := strings.TrimSpace(stringify(v)); s != "" {
			return s
		}
	}
	return ""
}

func strUsed(f map[string]any, used map[string]struct{}, keys ...string) string {
	for _, k := range keys {
		used[k] = struct{}{}
	}
	return str(f, keys...)
}

func num(f map[string]any, used map[string]struct{}, keys ...string) float64 {
	for _, k := range keys {
		used[k] = struct{}{}
	}
	for _, k := range keys {
		if v, ok := toFloat(f[k]); ok {
			return v
		}
	}
	return 0
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case map[string]any, []any:
		data, _ := json.Marshal(t)
		return string(data)
	}
	return fmt.Sprint(v)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(t), "dBm"))
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "y", "on":
			return true
		}
		return false
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return false
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123,
	time.RFC1123Z,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if (ch < '0' || ch > '9') && ch != '.' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if strings.Contains(value, ".") {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, int64(f*float64(time.Second))).UTC(), nil
	}
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
