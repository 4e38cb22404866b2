package solar

import (
	"sync"
	"testing"
	"time"

	"github.com/dokzlo13/duskd/internal/geo"
)

func TestReferenceTable_NotLoaded(t *testing.T) {
	table := NewReferenceTable(&fakeSource{}, time.UTC)

	if table.Loaded() {
		t.Fatal("Loaded() = true before Populate")
	}
	if _, ok := table.Get(geo.Sunset); ok {
		t.Error("Get() ok before Populate")
	}
	if table.IsBetween(geo.Dawn, geo.Dusk) || table.IsBefore(geo.Dusk) || table.IsAfter(geo.Dawn) {
		t.Error("relational query returned true before Populate")
	}
	if table.Refresh() {
		t.Error("Refresh() = true before Populate")
	}
	if snap := table.Snapshot(); snap.Loaded || snap.Times != nil {
		t.Errorf("Snapshot() = %+v, want empty", snap)
	}
}

func TestReferenceTable_Relational(t *testing.T) {
	now := time.Now()
	table, _ := loadedTable(relativeTimes(now))

	tests := []struct {
		name string
		got  bool
		want bool
	}{
		{"between dawn and dusk", table.IsBetween(geo.Dawn, geo.Dusk), true},
		{"between sunset and nightStart", table.IsBetween(geo.Sunset, geo.NightStart), false},
		{"before sunset", table.IsBefore(geo.Sunset), true},
		{"before sunrise", table.IsBefore(geo.Sunrise), false},
		{"after solarNoon", table.IsAfter(geo.SolarNoon), true},
		{"after dusk", table.IsAfter(geo.Dusk), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestReferenceTable_IsBetweenSymmetric(t *testing.T) {
	// Check "now" at a range of positions relative to the table
	for _, shift := range []time.Duration{-7 * time.Hour, -4 * time.Hour, -time.Hour, 0, 2 * time.Hour, 6 * time.Hour} {
		table, _ := loadedTable(relativeTimes(time.Now().Add(shift)))

		for _, a := range geo.Events {
			for _, b := range geo.Events {
				if table.IsBetween(a, b) != table.IsBetween(b, a) {
					t.Errorf("shift %v: IsBetween(%s, %s) != IsBetween(%s, %s)", shift, a, b, b, a)
				}
			}
		}
	}
}

func TestReferenceTable_MissingEvent(t *testing.T) {
	times := relativeTimes(time.Now())
	delete(times, geo.Sunset)
	delete(times, geo.Dusk)
	table, _ := loadedTable(times)

	if _, ok := table.Get(geo.Sunset); ok {
		t.Error("Get(sunset) ok for an event that does not occur")
	}
	if table.IsBetween(geo.Dawn, geo.Sunset) || table.IsBetween(geo.Sunset, geo.Dawn) {
		t.Error("IsBetween with a missing event returned true")
	}
	if table.IsBefore(geo.Sunset) || table.IsAfter(geo.Sunset) {
		t.Error("IsBefore/IsAfter with a missing event returned true")
	}
	if !table.IsAfter(geo.Dawn) {
		t.Error("IsAfter(dawn) = false, other events must be unaffected")
	}
}

func TestReferenceTable_PopulateIsAtomic(t *testing.T) {
	// Each location yields times whose solar noon encodes the latitude
	src := &fakeSource{fn: func(loc geo.Location) geo.Times {
		base := time.Unix(int64(loc.Latitude)*1000, 0)
		times := make(geo.Times, len(geo.Events))
		for i, e := range geo.Events {
			times[e] = base.Add(time.Duration(i) * time.Second)
		}
		return times
	}}
	table := NewReferenceTable(src, time.UTC)
	table.Populate(time.Now(), geo.Location{Latitude: 1})

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			table.Populate(time.Now(), geo.Location{Latitude: float64(i%80 + 1)})
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := table.Snapshot()
				want := time.Unix(int64(snap.Location.Latitude)*1000, 0)
				if !snap.Times[geo.NightEnd].Equal(want) {
					t.Errorf("snapshot mixes tables: location %v, nightEnd %v", snap.Location, snap.Times[geo.NightEnd])
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestReferenceTable_Refresh(t *testing.T) {
	table, src := loadedTable(relativeTimes(time.Now()))

	if !table.Refresh() {
		t.Fatal("Refresh() = false after Populate")
	}
	if src.calls != 2 {
		t.Errorf("source calls = %d, want 2", src.calls)
	}
	if loc, _ := table.Location(); loc.Latitude != 50 {
		t.Errorf("Refresh changed location to %+v", loc)
	}
}
