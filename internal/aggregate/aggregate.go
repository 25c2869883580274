package aggregate

import (
	"sort"
	"strconv"

	"wiguard/internal/model"
)

const (
	NotAvailable = "N/A"
	topKeyLimit  = 10
)

// Aggregator keeps running counters for the records of one store. Every
// mutation is O(1); Rebuild is the full rescan fallback.
type Aggregator struct {
	domain     model.Domain
	total      int
	bySeverity map[model.Severity]int
	byCategory map[string]int
	byKey      map[string]int
	flagged    int
	blocked    int
	active     int
	metricSum  float64
	metricN    int
	hourly     [24]int
}

func New(domain model.Domain) *Aggregator {
	a := &Aggregator{domain: domain}
	a.Reset()
	return a
}

func (a *Aggregator) Reset() {
	a.total = 0
	a.bySeverity = make(map[model.Severity]int, len(model.Severities))
	a.byCategory = make(map[string]int)
	a.byKey = make(map[string]int)
	a.flagged, a.blocked, a.active = 0, 0, 0
	a.metricSum, a.metricN = 0, 0
	a.hourly = [24]int{}
}

func (a *Aggregator) Add(rec model.Record) {
	a.apply(rec, 1)
}

func (a *Aggregator) Remove(rec model.Record) {
	a.apply(rec, -1)
}

// Move shifts a record's contribution from its previous state to its new one.
func (a *Aggregator) Move(prev, next model.Record) {
	a.apply(prev, -1)
	a.apply(next, 1)
}

func (a *Aggregator) RemoveAll(recs []model.Record) {
	for _, rec := range recs {
		a.apply(rec, -1)
	}
}

func (a *Aggregator) Rebuild(recs []model.Record) {
	a.Reset()
	for _, rec := range recs {
		a.apply(rec, 1)
	}
}

func (a *Aggregator) apply(rec model.Record, delta int) {
	a.total += delta
	sev := rec.Severity
	if sev == "" {
		sev = model.SeverityLow
	}
	bump(a.bySeverity, sev, delta)
	bump(a.byCategory, rec.Category, delta)
	if key := rec.Key(); key != "" {
		bump(a.byKey, key, delta)
	}
	if rec.Flagged {
		a.flagged += delta
	}
	if rec.Blocked {
		a.blocked += delta
	}
	if rec.Active {
		a.active += delta
	}
	if v, ok := rec.Metric(); ok {
		a.metricSum += float64(delta) * v
		a.metricN += delta
		if a.metricN == 0 {
			a.metricSum = 0
		}
	}
	if !rec.Timestamp.IsZero() {
		a.hourly[rec.Timestamp.Hour()] += delta
	}
}

func bump[K comparable](m map[K]int, key K, delta int) {
	if n := m[key] + delta; n > 0 {
		m[key] = n
	} else {
		delete(m, key)
	}
}

func (a *Aggregator) Total() int {
	return a.total
}

func (a *Aggregator) Count(sev model.Severity) int {
	return a.bySeverity[sev]
}

func (a *Aggregator) CategoryCount(category string) int {
	return a.byCategory[category]
}

// Average returns the mean metric over live records; ok is false when
// there is nothing to average.
func (a *Aggregator) Average() (float64, bool) {
	if a.metricN <= 0 {
		return 0, false
	}
	return a.metricSum / float64(a.metricN), true
}

func (a *Aggregator) Snapshot() model.Stats {
	st := model.Stats{
		Domain:     a.domain,
		Total:      a.total,
		BySeverity: make(map[model.Severity]int, len(model.Severities)),
		ByCategory: make(map[string]int, len(a.byCategory)),
		Flagged:    a.flagged,
		Blocked:    a.blocked,
		Active:     a.active,
		Hourly:     a.hourly,
	}
	for _, sev := range model.Severities {
		st.BySeverity[sev] = a.bySeverity[sev]
	}
	for k, v := range a.byCategory {
		st.ByCategory[k] = v
	}
	if avg, ok := a.Average(); ok {
		st.Average = avg
		st.HasAverage = true
		st.AverageText = strconv.FormatFloat(avg, 'f', 1, 64)
	} else {
		st.AverageText = NotAvailable
	}
	st.TopKeys = topKeys(a.byKey, topKeyLimit)
	return st
}

func topKeys(m map[string]int, limit int) []model.KeyCount {
	out := make([]model.KeyCount, 0, len(m))
	for k, v := range m {
		out = append(out, model.KeyCount{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Key < out[j].Key
		}
		return out[i].Count > out[j].Count
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
