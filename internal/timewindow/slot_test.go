package timewindow

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func mustClock(t *testing.T, s string) ClockTime {
	t.Helper()
	c, err := ParseClock(s)
	if err != nil {
		t.Fatalf("ParseClock(%q): %v", s, err)
	}
	return c
}

func morningWindow(t *testing.T) Window {
	return Window{
		Name:   "Morning",
		Start:  mustClock(t, "09:00"),
		End:    mustClock(t, "10:00"),
		Active: true,
		Days:   AllDays,
	}
}

func TestPickInsideWindowToday(t *testing.T) {
	w := morningWindow(t)
	now := time.Date(2025, 6, 2, 8, 0, 0, 0, time.Local)

	p := NewSeededSlotPicker(DefaultMinLead, 1)
	for i := 0; i < 500; i++ {
		got, err := p.Pick(w, now)
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		if !got.After(now) {
			t.Fatalf("pick not in the future: %v", got)
		}
		if got.Day() != now.Day() {
			t.Fatalf("expected a same-day pick, got %v", got)
		}
		mins := got.Hour()*60 + got.Minute()
		if mins < w.Start.Minutes() || mins >= w.End.Minutes() {
			t.Fatalf("pick %v outside window %s-%s", got, w.Start, w.End)
		}
	}
}

func TestPickElapsedWindowFallsTomorrow(t *testing.T) {
	w := morningWindow(t)
	now := time.Date(2025, 6, 2, 11, 0, 0, 0, time.Local)

	p := NewSeededSlotPicker(DefaultMinLead, 2)
	got, err := p.Pick(w, now)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if got.Day() != now.AddDate(0, 0, 1).Day() {
		t.Fatalf("expected tomorrow, got %v", got)
	}
	mins := got.Hour()*60 + got.Minute()
	if mins < w.Start.Minutes() || mins >= w.End.Minutes() {
		t.Fatalf("pick %v outside window bounds", got)
	}
}

func TestPickImminentWindowFallsTomorrow(t *testing.T) {
	w := morningWindow(t)
	// Window starts in 10 minutes, inside the 30m lead guard.
	now := time.Date(2025, 6, 2, 8, 50, 0, 0, time.Local)

	p := NewSeededSlotPicker(DefaultMinLead, 3)
	got, err := p.Pick(w, now)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if got.Day() == now.Day() {
		t.Fatalf("expected tomorrow for imminent window, got %v", got)
	}
}

func TestPickMidWindowStaysToday(t *testing.T) {
	w := Window{
		Name:   "Day",
		Start:  mustClock(t, "08:00"),
		End:    mustClock(t, "22:00"),
		Active: true,
		Days:   AllDays,
	}
	// The window is underway; a rebuild at 10:00 must still be able to
	// place something later today.
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.Local)

	p := NewSeededSlotPicker(DefaultMinLead, 5)
	sameDay := 0
	for i := 0; i < 500; i++ {
		got, err := p.Pick(w, now)
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		if !got.After(now) {
			t.Fatalf("pick not in the future: %v", got)
		}
		mins := got.Hour()*60 + got.Minute()
		if mins < w.Start.Minutes() || mins >= w.End.Minutes() {
			t.Fatalf("pick %v outside window bounds", got)
		}
		if got.Day() == now.Day() {
			sameDay++
		}
	}
	// Draws over the full 08:00-22:00 span: about 12/14 of them land
	// after 10:00 and stay today, the rest roll to tomorrow.
	if sameDay < 250 {
		t.Fatalf("only %d/500 picks landed same-day for an in-progress window", sameDay)
	}
}

func TestPickConcurrent(t *testing.T) {
	w := morningWindow(t)
	now := time.Date(2025, 6, 2, 8, 0, 0, 0, time.Local)
	p := NewSeededSlotPicker(DefaultMinLead, 6)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if _, err := p.Pick(w, now); err != nil {
					t.Errorf("Pick: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestPickRejectsInvertedWindow(t *testing.T) {
	w := Window{Name: "Broken", Start: mustClock(t, "10:00"), End: mustClock(t, "09:00"), Active: true, Days: AllDays}
	p := NewSeededSlotPicker(DefaultMinLead, 4)
	if _, err := p.Pick(w, time.Now()); err == nil {
		t.Fatal("expected error for inverted window")
	}
}

type stubSource struct {
	windows []Window
	err     error
}

func (s stubSource) Windows(userID, category string) ([]Window, error) {
	return s.windows, s.err
}

func TestResolverDropsFallbackWhenSpecificExists(t *testing.T) {
	all := Window{Name: FallbackName, Start: ClockTime{0, 0}, End: ClockTime{23, 59}, Active: true, Days: AllDays}
	morning := morningWindow(t)

	r := NewResolver(stubSource{windows: []Window{all, morning}})
	got, err := r.WindowsFor("u1", "motivational")
	if err != nil {
		t.Fatalf("WindowsFor: %v", err)
	}
	if len(got) != 1 || got[0].Name != "Morning" {
		t.Fatalf("expected only Morning, got %+v", got)
	}
}

func TestResolverKeepsFallbackWhenSole(t *testing.T) {
	all := Window{Name: FallbackName, Start: ClockTime{0, 0}, End: ClockTime{23, 59}, Active: true, Days: AllDays}
	r := NewResolver(stubSource{windows: []Window{all}})
	got, err := r.WindowsFor("u1", "motivational")
	if err != nil {
		t.Fatalf("WindowsFor: %v", err)
	}
	if len(got) != 1 || !got[0].IsFallback() {
		t.Fatalf("expected sole fallback window, got %+v", got)
	}
}

func TestResolverSkipsInactive(t *testing.T) {
	w := morningWindow(t)
	w.Active = false
	r := NewResolver(stubSource{windows: []Window{w}})
	got, err := r.WindowsFor("u1", "motivational")
	if err != nil {
		t.Fatalf("WindowsFor: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no windows, got %+v", got)
	}
}

func TestResolverPropagatesError(t *testing.T) {
	wantErr := errors.New("missing prefs")
	r := NewResolver(stubSource{err: wantErr})
	if _, err := r.WindowsFor("u1", "motivational"); !errors.Is(err, wantErr) {
		t.Fatalf("expected source error, got %v", err)
	}
}

func TestParseWeekdaySet(t *testing.T) {
	s, err := ParseWeekdaySet([]string{"mon", "Wednesday", "fri"})
	if err != nil {
		t.Fatalf("ParseWeekdaySet: %v", err)
	}
	if !s.Contains(time.Monday) || !s.Contains(time.Wednesday) || !s.Contains(time.Friday) {
		t.Fatalf("missing expected days: %07b", s)
	}
	if s.Contains(time.Sunday) || s.All() {
		t.Fatalf("unexpected days: %07b", s)
	}

	if _, err := ParseWeekdaySet([]string{"noday"}); err == nil {
		t.Fatal("expected error for unknown weekday")
	}

	all, err := ParseWeekdaySet(nil)
	if err != nil || !all.All() {
		t.Fatalf("empty list should mean all days, got %07b err=%v", all, err)
	}
}
