package shadow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestStoreVersionMonotonic(t *testing.T) {
	ctx := context.Background()
	store := NewShadowStore()

	// a mix of reported and desired updates. version counts all of them.
	patches := []Section{
		SectionReported,
		SectionDesired,
		SectionReported,
		SectionReported,
		SectionDesired,
	}
	for i, section := range patches {
		_, version, err := store.Apply(ctx, "wh-001", section, Patch{
			"value": Number(float64(i)),
		}, nil)
		assert.Equal(t, nil, err)
		assert.Equal(t, uint64(i+1), version)
	}

	doc, ok := store.Get("wh-001")
	assert.Equal(t, true, ok)
	assert.Equal(t, uint64(len(patches)), doc.Version)
}

func TestStoreSectionIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewShadowStore()

	_, _, err := store.ApplyReported(ctx, "wh-001", Patch{
		"temperature": Number(140),
	})
	assert.Equal(t, nil, err)

	_, _, err = store.ApplyDesired(ctx, "wh-001", Patch{
		"temperature":        Number(125),
		"target_temperature": Number(125),
	})
	assert.Equal(t, nil, err)

	doc, _ := store.Get("wh-001")
	assert.Equal(t, map[string]any{
		"temperature": float64(140),
	}, doc.Reported)
	assert.Equal(t, map[string]any{
		"temperature":        float64(125),
		"target_temperature": float64(125),
	}, doc.Desired)
}

func TestStoreGetNotFound(t *testing.T) {
	store := NewShadowStore()
	_, ok := store.Get("device-that-never-reported")
	assert.Equal(t, false, ok)
}

func TestStoreNoOpPatchBumpsVersion(t *testing.T) {
	ctx := context.Background()
	store := NewShadowStore()

	_, _, err := store.ApplyReported(ctx, "wh-001", Patch{
		"temperature": Number(140),
	})
	assert.Equal(t, nil, err)

	delta, version, err := store.ApplyReported(ctx, "wh-001", Patch{
		"temperature": Number(140),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(2), version)
	assert.Equal(t, 0, len(delta))

	doc, _ := store.Get("wh-001")
	assert.Equal(t, map[string]any{
		"temperature": float64(140),
	}, doc.Reported)
}

func TestStoreValidationLeavesStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	store := NewShadowStore()

	_, _, err := store.ApplyReported(ctx, "wh-001", Patch{
		"bad": PatchValue{},
	})
	_, ok := err.(*ValidationError)
	assert.Equal(t, true, ok)

	// a rejected first update must not create the document
	_, found := store.Get("wh-001")
	assert.Equal(t, false, found)
}

func TestStoreCancelledApply(t *testing.T) {
	store := NewShadowStore()
	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := store.ApplyReported(cancelCtx, "wh-001", Patch{
		"temperature": Number(140),
	})
	assert.NotEqual(t, nil, err)

	// either the whole mutation applies or none of it
	_, found := store.Get("wh-001")
	assert.Equal(t, false, found)
}

func TestStoreConcurrentSameDevice(t *testing.T) {
	ctx := context.Background()
	store := NewShadowStore()

	k := 8
	n := 64

	wg := sync.WaitGroup{}
	for i := 0; i < k; i += 1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < n; j += 1 {
				section := SectionReported
				if j%2 == 0 {
					section = SectionDesired
				}
				_, _, err := store.Apply(ctx, "wh-001", section, Patch{
					"value": Number(float64(i*n + j)),
				}, nil)
				assert.Equal(t, nil, err)
			}
		}(i)
	}
	wg.Wait()

	doc, _ := store.Get("wh-001")
	assert.Equal(t, uint64(k*n), doc.Version)
}

func TestStoreConcurrentDevices(t *testing.T) {
	ctx := context.Background()
	store := NewShadowStore()

	k := 8
	n := 64

	wg := sync.WaitGroup{}
	for i := 0; i < k; i += 1 {
		wg.Add(1)
		go func(deviceId string) {
			defer wg.Done()
			for j := 0; j < n; j += 1 {
				_, _, err := store.ApplyReported(ctx, deviceId, Patch{
					"value": Number(float64(j)),
				})
				assert.Equal(t, nil, err)
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()

	for i := 0; i < k; i += 1 {
		doc, ok := store.Get(string(rune('a' + i)))
		assert.Equal(t, true, ok)
		assert.Equal(t, uint64(n), doc.Version)
	}
}

func TestStoreTimestamps(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newShadowStoreWithClock(func() time.Time {
		return now
	})

	_, _, err := store.ApplyReported(ctx, "wh-001", Patch{
		"temperature": Number(140),
	})
	assert.Equal(t, nil, err)

	doc, _ := store.Get("wh-001")
	assert.Equal(t, now, doc.ReportedAt)
	assert.Equal(t, true, doc.DesiredAt.IsZero())

	later := now.Add(time.Minute)
	now = later
	_, _, err = store.ApplyDesired(ctx, "wh-001", Patch{
		"target_temperature": Number(125),
	})
	assert.Equal(t, nil, err)

	doc, _ = store.Get("wh-001")
	assert.Equal(t, later, doc.DesiredAt)
}

func TestDocumentCopyIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewShadowStore()

	store.ApplyReported(ctx, "wh-001", Patch{
		"temperature": Number(140),
	})

	doc, _ := store.Get("wh-001")
	doc.Reported["temperature"] = float64(0)

	fresh, _ := store.Get("wh-001")
	assert.Equal(t, float64(140), fresh.Reported["temperature"])
}
