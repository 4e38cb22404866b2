package kv

import (
	"testing"

	"github.com/dokzlo13/duskd/internal/db"
)

type coords struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func buckets(t *testing.T) map[string]Bucket {
	t.Helper()

	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })

	return map[string]Bucket{
		"sqlite": NewSQLiteBucket(database.DB, "test"),
		"memory": NewMemoryBucket("test"),
	}
}

func TestBucket_SaveLoad(t *testing.T) {
	for name, b := range buckets(t) {
		t.Run(name, func(t *testing.T) {
			var got coords
			found, err := b.Load("home", &got)
			if err != nil || found {
				t.Fatalf("Load(missing) = %v, %v; want false, nil", found, err)
			}

			want := coords{Latitude: 52.52, Longitude: 13.405}
			if err := b.Save("home", want); err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			found, err = b.Load("home", &got)
			if err != nil || !found {
				t.Fatalf("Load() = %v, %v; want true, nil", found, err)
			}
			if got != want {
				t.Errorf("Load() = %+v, want %+v", got, want)
			}
		})
	}
}

func TestBucket_DeleteClear(t *testing.T) {
	for name, b := range buckets(t) {
		t.Run(name, func(t *testing.T) {
			_ = b.Save("a", "one")
			_ = b.Save("b", "two")

			if err := b.Delete("a"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			var s string
			if found, _ := b.Load("a", &s); found {
				t.Error("key a still present after Delete")
			}

			if err := b.Clear(); err != nil {
				t.Fatalf("Clear() error = %v", err)
			}
			if found, _ := b.Load("b", &s); found {
				t.Error("key b still present after Clear")
			}
		})
	}
}
