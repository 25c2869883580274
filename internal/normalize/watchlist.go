package normalize

import (
	"strings"

	"wiguard/internal/config"
	"wiguard/internal/model"
)

// Watchlist holds operator-maintained trusted and blocked device
// identifiers (BSSIDs, MACs, addresses).
type Watchlist struct {
	trusted map[string]struct{}
	blocked map[string]struct{}
}

func NewWatchlist(cfg config.WatchlistConfig) *Watchlist {
	return &Watchlist{
		trusted: buildIDSet(cfg.Trusted),
		blocked: buildIDSet(cfg.Blocked),
	}
}

func buildIDSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		id := NormalizeDeviceID(v)
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func (w *Watchlist) IsTrusted(id string) bool {
	if w == nil || w.trusted == nil {
		return false
	}
	_, ok := w.trusted[NormalizeDeviceID(id)]
	return ok
}

func (w *Watchlist) IsBlocked(id string) bool {
	if w == nil || w.blocked == nil {
		return false
	}
	_, ok := w.blocked[NormalizeDeviceID(id)]
	return ok
}

// Apply marks records from blocked devices and downgrades evil-twin
// reports whose attacker BSSID is trusted.
func (w *Watchlist) Apply(rec *model.Record) {
	if w == nil || rec == nil {
		return
	}
	id := deviceID(*rec)
	if id == "" {
		return
	}
	if w.IsBlocked(id) {
		rec.SetAnnotation(model.AnnotationBlocked, true)
	}
	if rec.Deauth != nil && rec.Deauth.Kind == "evil-twin" && w.IsTrusted(id) {
		rec.Severity = model.SeverityLow
		rec.Category = "trusted"
	}
}

func deviceID(rec model.Record) string {
	switch {
	case rec.Deauth != nil:
		return rec.Deauth.AttackerBSSID
	case rec.Bluetooth != nil:
		return rec.Bluetooth.DeviceID
	case rec.GPS != nil:
		return rec.GPS.DeviceID
	case rec.Network != nil:
		return rec.Network.SourceIP
	}
	return ""
}

// NormalizeDeviceID canonicalises hardware addresses to upper-case hex
// without separators. Other identifiers are lower-cased.
func NormalizeDeviceID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if !looksLikeHardwareAddr(id) {
		return strings.ToLower(id)
	}
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'F':
			b.WriteRune(r)
		case r >= 'a' && r <= 'f':
			b.WriteRune(r - 'a' + 'A')
		}
	}
	return b.String()
}

func looksLikeHardwareAddr(id string) bool {
	if !strings.ContainsAny(id, ":-") {
		return false
	}
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F', r == ':', r == '-':
		default:
			return false
		}
	}
	return true
}
