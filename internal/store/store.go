package store

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"wiguard/internal/model"
)

const DefaultPageSize = 10

// Store is the bounded, id-keyed record set for one domain. It does no
// locking of its own; the owning scheduler serializes access.
type Store struct {
	domain  model.Domain
	records map[string]model.Record
}

type Result struct {
	Record   model.Record
	Previous model.Record
	Updated  bool
}

func New(domain model.Domain) *Store {
	return &Store{domain: domain, records: make(map[string]model.Record)}
}

func (s *Store) Domain() model.Domain {
	return s.domain
}

func (s *Store) Len() int {
	return len(s.records)
}

// Upsert inserts rec, or merges it into the stored record with the same id.
func (s *Store) Upsert(rec model.Record) Result {
	rec = rec.Clone()
	if rec.Domain == "" {
		rec.Domain = s.domain
	}
	prev, ok := s.records[rec.ID]
	if !ok {
		if rec.FirstSeen.IsZero() {
			rec.FirstSeen = rec.Timestamp
		}
		if rec.LastSeen.IsZero() {
			rec.LastSeen = rec.Timestamp
		}
		s.records[rec.ID] = rec
		return Result{Record: rec.Clone()}
	}
	merged := merge(prev, rec)
	s.records[rec.ID] = merged
	return Result{Record: merged.Clone(), Previous: prev, Updated: true}
}

// merge applies incoming over existing field by field. Zero values in
// incoming leave the stored value alone.
func merge(existing, incoming model.Record) model.Record {
	out := existing.Clone()
	if incoming.Source != "" {
		out.Source = incoming.Source
	}
	if !incoming.Timestamp.IsZero() {
		out.Timestamp = incoming.Timestamp
	}
	if incoming.Severity != "" {
		out.Severity = incoming.Severity
	}
	if incoming.Category != "" {
		out.Category = incoming.Category
	}
	if incoming.GPS != nil {
		out.GPS = incoming.GPS
	}
	if incoming.Bluetooth != nil {
		bt := *incoming.Bluetooth
		if out.Bluetooth != nil && out.Bluetooth.MaxSignal > bt.MaxSignal {
			bt.MaxSignal = out.Bluetooth.MaxSignal
		}
		out.Bluetooth = &bt
	}
	if incoming.Deauth != nil {
		out.Deauth = incoming.Deauth
	}
	if incoming.Network != nil {
		out.Network = incoming.Network
	}
	for k, v := range incoming.Extras {
		if out.Extras == nil {
			out.Extras = make(map[string]string, len(incoming.Extras))
		}
		out.Extras[k] = v
	}
	first := incoming.FirstSeen
	if first.IsZero() {
		first = incoming.Timestamp
	}
	if !first.IsZero() && (out.FirstSeen.IsZero() || first.Before(out.FirstSeen)) {
		out.FirstSeen = first
	}
	last := incoming.LastSeen
	if last.IsZero() {
		last = incoming.Timestamp
	}
	if last.After(out.LastSeen) {
		out.LastSeen = last
	}
	for _, a := range []model.Annotation{model.AnnotationFlagged, model.AnnotationBlocked, model.AnnotationActive} {
		if incoming.Reports(a) {
			out.SetAnnotation(a, incoming.Annotated(a))
		}
	}
	return out
}

func (s *Store) Get(id string) (model.Record, bool) {
	rec, ok := s.records[id]
	if !ok {
		return model.Record{}, false
	}
	return rec.Clone(), true
}

func (s *Store) Remove(id string) (model.Record, bool) {
	rec, ok := s.records[id]
	if !ok {
		return model.Record{}, false
	}
	delete(s.records, id)
	return rec, true
}

// SetAnnotation changes one annotation in place and returns the record
// before and after the change.
func (s *Store) SetAnnotation(id string, a model.Annotation, value bool) (before, after model.Record, ok bool) {
	rec, ok := s.records[id]
	if !ok {
		return model.Record{}, model.Record{}, false
	}
	before = rec.Clone()
	rec.SetAnnotation(a, value)
	s.records[id] = rec
	return before, rec.Clone(), true
}

// EvictOlderThan removes records whose timestamp is before cutoff.
func (s *Store) EvictOlderThan(cutoff time.Time) []model.Record {
	var out []model.Record
	for id, rec := range s.records {
		if rec.Timestamp.Before(cutoff) {
			out = append(out, rec)
			delete(s.records, id)
		}
	}
	sortDesc(out)
	return out
}

// EvictBeyondCount keeps the n newest records and removes the rest.
func (s *Store) EvictBeyondCount(n int) []model.Record {
	if n < 0 {
		n = 0
	}
	if len(s.records) <= n {
		return nil
	}
	all := s.List(true)
	out := all[n:]
	for _, rec := range out {
		delete(s.records, rec.ID)
	}
	return out
}

func (s *Store) Clear() []model.Record {
	out := s.List(true)
	s.records = make(map[string]model.Record)
	return out
}

func (s *Store) IDs() []string {
	out := make([]string, 0, len(s.records))
	for id := range s.records {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// List returns a copy of all records, newest first when desc is set and
// oldest first otherwise. Ties are broken by id so the order is stable.
func (s *Store) List(desc bool) []model.Record {
	out := make([]model.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	if desc {
		sortDesc(out)
	} else {
		sort.Slice(out, func(i, j int) bool {
			if out[i].Timestamp.Equal(out[j].Timestamp) {
				return out[i].ID < out[j].ID
			}
			return out[i].Timestamp.Before(out[j].Timestamp)
		})
	}
	return out
}

func sortDesc(list []model.Record) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Timestamp.Equal(list[j].Timestamp) {
			return list[i].ID < list[j].ID
		}
		return list[i].Timestamp.After(list[j].Timestamp)
	})
}

// Filter returns matching records newest first.
func (s *Store) Filter(pred func(model.Record) bool) []model.Record {
	all := s.List(true)
	if pred == nil {
		return all
	}
	out := all[:0]
	for _, rec := range all {
		if pred(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// Search matches a case-insensitive term against the text shown in the
// dashboard tables.
func (s *Store) Search(term string) []model.Record {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return s.List(true)
	}
	return s.Filter(func(rec model.Record) bool {
		return strings.Contains(searchText(rec), term)
	})
}

func searchText(rec model.Record) string {
	parts := []string{rec.ID, rec.Source, string(rec.Severity), rec.Category}
	switch {
	case rec.GPS != nil:
		parts = append(parts, rec.GPS.DeviceID,
			strconv.FormatFloat(rec.GPS.Latitude, 'f', 6, 64),
			strconv.FormatFloat(rec.GPS.Longitude, 'f', 6, 64))
	case rec.Bluetooth != nil:
		parts = append(parts, rec.Bluetooth.DeviceID, rec.Bluetooth.DeviceName, rec.Bluetooth.DetectionType)
	case rec.Deauth != nil:
		parts = append(parts, rec.Deauth.AttackerBSSID, rec.Deauth.AttackerSSID, rec.Deauth.TargetBSSID, rec.Deauth.TargetSSID)
	case rec.Network != nil:
		parts = append(parts, rec.Network.SourceIP, rec.Network.DestinationIP, rec.Network.Protocol, rec.Network.Signature)
	}
	return strings.ToLower(strings.Join(parts, " "))
}

// Paginate slices list into 1-based pages.
func Paginate(list []model.Record, page, pageSize int) model.Page {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if page < 1 {
		page = 1
	}
	total := len(list)
	pages := (total + pageSize - 1) / pageSize
	start := total
	if page <= pages {
		start = (page - 1) * pageSize
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	items := make([]model.Record, end-start)
	copy(items, list[start:end])
	return model.Page{Items: items, Page: page, PageSize: pageSize, Total: total, TotalPages: pages}
}

func (s *Store) Paginate(page, pageSize int) model.Page {
	return Paginate(s.List(true), page, pageSize)
}
