package notice

import (
	"errors"
	"testing"
	"time"

	"wiguard/internal/model"
)

func TestStoreRingKeepsNewest(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		s.Add(Notice{Message: string(rune('a' + i))})
	}
	list := s.List(0)
	if len(list) != 3 || list[0].Message != "c" || list[2].Message != "e" {
		t.Fatalf("unexpected ring: %+v", list)
	}
	if list[2].Seq != 5 || list[2].Level != LevelInfo {
		t.Fatalf("seq/level not assigned: %+v", list[2])
	}
	if got := s.List(1); len(got) != 1 || got[0].Message != "e" {
		t.Fatalf("limit: %+v", got)
	}
	if got := s.After(4); len(got) != 1 || got[0].Seq != 5 {
		t.Fatalf("after: %+v", got)
	}
	s.Clear()
	if len(s.List(0)) != 0 {
		t.Fatalf("clear")
	}
}

func TestStoreSince(t *testing.T) {
	s := NewStore(10)
	base := time.Date(2026, 2, 23, 12, 0, 0, 0, time.UTC)
	s.Add(Notice{Timestamp: base.Add(-time.Minute), Message: "old"})
	s.Add(Notice{Timestamp: base, Message: "now"})
	got := s.Since(base)
	if len(got) != 1 || got[0].Message != "now" {
		t.Fatalf("since: %+v", got)
	}
}

func TestCooldown(t *testing.T) {
	c := NewCooldown()
	now := time.Date(2026, 2, 23, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	if !c.AllowKey("gps|poll", time.Minute) {
		t.Fatalf("first call should pass")
	}
	if c.AllowKey("gps|poll", time.Minute) {
		t.Fatalf("repeat within window should be suppressed")
	}
	if !c.AllowKey("bluetooth|poll", time.Minute) {
		t.Fatalf("keys are independent")
	}
	now = now.Add(2 * time.Minute)
	if !c.AllowKey("gps|poll", time.Minute) {
		t.Fatalf("window elapsed")
	}
	c.Reset("gps|poll")
	if !c.AllowKey("gps|poll", time.Minute) {
		t.Fatalf("reset should re-arm")
	}
	if !c.AllowKey("x", 0) || !c.AllowKey("x", 0) {
		t.Fatalf("zero cooldown never throttles")
	}
}

func TestFeedThrottlesFailures(t *testing.T) {
	f := NewFeed(NewStore(10), time.Hour, nil)
	boom := errors.New("connection refused")
	if !f.Failure(model.DomainGPS, "poll", boom) {
		t.Fatalf("first failure should be recorded")
	}
	if f.Failure(model.DomainGPS, "poll", boom) {
		t.Fatalf("repeat failure should be throttled")
	}
	f.Recovered(model.DomainGPS, "poll")
	if !f.Failure(model.DomainGPS, "poll", boom) {
		t.Fatalf("failure after recovery should be recorded")
	}
	f.Success(model.DomainGPS, "cleared %d records", 3)
	list := f.Store().List(0)
	if len(list) != 3 {
		t.Fatalf("expected 3 notices, got %d", len(list))
	}
	if list[0].Level != LevelError || list[0].Message != "poll: connection refused" || list[0].Domain != model.DomainGPS {
		t.Fatalf("failure notice: %+v", list[0])
	}
	if list[2].Level != LevelSuccess || list[2].Message != "cleared 3 records" {
		t.Fatalf("success notice: %+v", list[2])
	}
	var nilFeed *Feed
	nilFeed.Info(model.DomainGPS, "ignored")
}
