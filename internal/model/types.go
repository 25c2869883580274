package model

import (
	"errors"
	"strings"
	"time"
)

// ErrUnknownDomain is returned for a domain that is not configured.
var ErrUnknownDomain = errors.New("unknown domain")

type Domain string

const (
	DomainGPS       Domain = "gps"
	DomainBluetooth Domain = "bluetooth"
	DomainDeauth    Domain = "deauth"
	DomainNetwork   Domain = "network"
)

func (d Domain) Valid() bool {
	switch d {
	case DomainGPS, DomainBluetooth, DomainDeauth, DomainNetwork:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

func (s Severity) Rank() int {
	switch s {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// ParseSeverity maps free-form severity strings onto the four buckets.
// Anything unrecognised is low.
func ParseSeverity(v string) Severity {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "critical", "crit", "severe":
		return SeverityCritical
	case "high", "major", "error":
		return SeverityHigh
	case "medium", "moderate", "warning", "warn":
		return SeverityMedium
	}
	return SeverityLow
}

type Annotation string

const (
	AnnotationFlagged Annotation = "flag"
	AnnotationBlocked Annotation = "block"
	AnnotationActive  Annotation = "active"
)

func ParseAnnotation(v string) (Annotation, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "flag", "flagged":
		return AnnotationFlagged, true
	case "block", "blocked":
		return AnnotationBlocked, true
	case "active":
		return AnnotationActive, true
	}
	return "", false
}

type GPSAttrs struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Accuracy   float64 `json:"accuracy"`
	HDOP       float64 `json:"hdop,omitempty"`
	Satellites int     `json:"satellites"`
	DeviceID   string  `json:"device_id,omitempty"`
}

type BluetoothAttrs struct {
	DeviceID      string  `json:"device_id"`
	DeviceName    string  `json:"device_name"`
	Signal        float64 `json:"signal"`
	MaxSignal     float64 `json:"max_signal"`
	Channel       int     `json:"channel,omitempty"`
	DetectionType string  `json:"detection_type,omitempty"`
}

type DeauthAttrs struct {
	Kind          string `json:"kind"`
	AttackerBSSID string `json:"attacker_bssid"`
	AttackerSSID  string `json:"attacker_ssid"`
	TargetBSSID   string `json:"target_bssid"`
	TargetSSID    string `json:"target_ssid"`
	Count         int    `json:"count"`
}

type NetworkAttrs struct {
	SourceIP      string `json:"source_ip"`
	DestinationIP string `json:"destination_ip"`
	Protocol      string `json:"protocol"`
	Signature     string `json:"signature,omitempty"`
}

// Record is one normalized observation. Exactly one of the attribute
// pointers is set and it matches Domain.
type Record struct {
	ID        string            `json:"id"`
	Domain    Domain            `json:"domain"`
	Source    string            `json:"source,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	FirstSeen time.Time         `json:"first_seen"`
	LastSeen  time.Time         `json:"last_seen"`
	Severity  Severity          `json:"severity"`
	Category  string            `json:"category"`
	GPS       *GPSAttrs         `json:"gps,omitempty"`
	Bluetooth *BluetoothAttrs   `json:"bluetooth,omitempty"`
	Deauth    *DeauthAttrs      `json:"deauth,omitempty"`
	Network   *NetworkAttrs     `json:"network,omitempty"`
	Extras    map[string]string `json:"extras,omitempty"`
	Flagged   bool              `json:"flagged"`
	Blocked   bool              `json:"blocked"`
	Active    bool              `json:"active"`

	reported uint8
}

// Metric is the rolling numeric value the aggregator averages for the
// record's domain.
func (r Record) Metric() (float64, bool) {
	switch {
	case r.GPS != nil:
		return r.GPS.Accuracy, true
	case r.Bluetooth != nil:
		return r.Bluetooth.Signal, true
	case r.Deauth != nil:
		return float64(r.Deauth.Count), true
	}
	return 0, false
}

// Key is the grouping key used for top-N charts: target network, device,
// or source address depending on the domain.
func (r Record) Key() string {
	switch {
	case r.GPS != nil:
		return r.GPS.DeviceID
	case r.Bluetooth != nil:
		return r.Bluetooth.DeviceID
	case r.Deauth != nil:
		return r.Deauth.TargetSSID
	case r.Network != nil:
		return r.Network.SourceIP
	}
	return ""
}

func (r Record) Annotated(a Annotation) bool {
	switch a {
	case AnnotationFlagged:
		return r.Flagged
	case AnnotationBlocked:
		return r.Blocked
	case AnnotationActive:
		return r.Active
	}
	return false
}

func annotationBit(a Annotation) uint8 {
	switch a {
	case AnnotationFlagged:
		return 1
	case AnnotationBlocked:
		return 2
	case AnnotationActive:
		return 4
	}
	return 0
}

// SetAnnotation sets an annotation and marks it as carried by this record,
// so a merge lets it override the stored value.
func (r *Record) SetAnnotation(a Annotation, v bool) {
	switch a {
	case AnnotationFlagged:
		r.Flagged = v
	case AnnotationBlocked:
		r.Blocked = v
	case AnnotationActive:
		r.Active = v
	default:
		return
	}
	r.reported |= annotationBit(a)
}

// Reports tells whether the annotation was explicitly carried by the
// source rather than left at its zero value.
func (r Record) Reports(a Annotation) bool {
	return r.reported&annotationBit(a) != 0
}

// Clone returns a copy that shares no mutable state with r.
func (r Record) Clone() Record {
	out := r
	if r.GPS != nil {
		v := *r.GPS
		out.GPS = &v
	}
	if r.Bluetooth != nil {
		v := *r.Bluetooth
		out.Bluetooth = &v
	}
	if r.Deauth != nil {
		v := *r.Deauth
		out.Deauth = &v
	}
	if r.Network != nil {
		v := *r.Network
		out.Network = &v
	}
	if r.Extras != nil {
		out.Extras = make(map[string]string, len(r.Extras))
		for k, v := range r.Extras {
			out.Extras[k] = v
		}
	}
	return out
}

type Page struct {
	Items      []Record `json:"items"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
	Total      int      `json:"total"`
	TotalPages int      `json:"total_pages"`
}

type KeyCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type Stats struct {
	Domain      Domain           `json:"domain"`
	Total       int              `json:"total"`
	BySeverity  map[Severity]int `json:"by_severity"`
	ByCategory  map[string]int   `json:"by_category"`
	Flagged     int              `json:"flagged"`
	Blocked     int              `json:"blocked"`
	Active      int              `json:"active"`
	Average     float64          `json:"average"`
	AverageText string           `json:"average_text"`
	HasAverage  bool             `json:"has_average"`
	Hourly      [24]int          `json:"hourly"`
	TopKeys     []KeyCount       `json:"top_keys"`
}

type Reason string

const (
	ReasonPoll     Reason = "poll"
	ReasonTest     Reason = "test"
	ReasonClear    Reason = "clear"
	ReasonAnnotate Reason = "annotate"
	ReasonIngest   Reason = "ingest"
)

// Update is what sinks receive after every batch mutation.
type Update struct {
	Seq      uint64    `json:"seq"`
	Domain   Domain    `json:"domain"`
	Reason   Reason    `json:"reason"`
	Time     time.Time `json:"time"`
	Inserted int       `json:"inserted"`
	Updated  int       `json:"updated"`
	Evicted  int       `json:"evicted"`
	Changed  []Record  `json:"changed,omitempty"`
	Removed  []string  `json:"removed,omitempty"`
	Stats    Stats     `json:"stats"`
}
