package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/HatiCode/forecastd/pkg/backend"
)

func TestMemoryStore_PutGet(t *testing.T) {
	tests := []struct {
		name       string
		prediction Prediction
		wantErr    bool
	}{
		{
			name: "valid prediction",
			prediction: Prediction{
				Metric:      "MaxCPULoad",
				Value:       42.5,
				Lower:       40,
				Upper:       45,
				Target:      time.Unix(1700000240, 0),
				PublishedAt: time.Unix(1700000100, 0),
				Topic:       "eu.nebulouscloud.monitoring.predicted.MaxCPULoad",
				Stats:       backend.ErrorStats{MAE: 1.2, MAPE: 0.03},
			},
		},
		{
			name:       "dotted metric name",
			prediction: Prediction{Metric: "app.cpu_usage"},
		},
		{
			name:       "empty metric",
			prediction: Prediction{Value: 1},
			wantErr:    true,
		},
		{
			name:       "metric with spaces",
			prediction: Prediction{Metric: "cpu usage"},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			ctx := context.Background()

			err := store.Put(ctx, tt.prediction)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Put() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			got, found, err := store.GetLatest(ctx, tt.prediction.Metric)
			if err != nil {
				t.Fatalf("GetLatest() error = %v", err)
			}
			if !found {
				t.Fatal("GetLatest() found = false, want true")
			}
			if got.Value != tt.prediction.Value || !got.Target.Equal(tt.prediction.Target) || got.Topic != tt.prediction.Topic {
				t.Errorf("GetLatest() = %+v, want %+v", got, tt.prediction)
			}
		})
	}
}

func TestMemoryStore_PutReplaces(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Put(ctx, Prediction{Metric: "cpu", Value: 1})
	_ = store.Put(ctx, Prediction{Metric: "cpu", Value: 2})

	got, _, _ := store.GetLatest(ctx, "cpu")
	if got.Value != 2 {
		t.Errorf("Value = %v, want 2", got.Value)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	store := NewMemoryStore()
	_, found, err := store.GetLatest(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetLatest() error = %v", err)
	}
	if found {
		t.Error("found = true for missing metric")
	}
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Put(ctx, Prediction{Metric: "cpu"}); err == nil {
		t.Error("Put() with canceled context should fail")
	}
	if _, _, err := store.GetLatest(ctx, "cpu"); err == nil {
		t.Error("GetLatest() with canceled context should fail")
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Put(context.Background(), Prediction{Metric: "cpu"})

	if !store.Delete("cpu") {
		t.Error("Delete() = false, want true")
	}
	if store.Delete("cpu") {
		t.Error("second Delete() = true, want false")
	}
}

func TestMemoryStore_EvictExpired(t *testing.T) {
	store := NewMemoryStoreWithTTL(time.Minute, time.Hour)
	defer store.Stop()

	now := time.Unix(1700000000, 0)
	store.now = func() time.Time { return now }

	ctx := context.Background()
	_ = store.Put(ctx, Prediction{Metric: "old", PublishedAt: now.Add(-2 * time.Minute)})
	_ = store.Put(ctx, Prediction{Metric: "fresh", PublishedAt: now.Add(-30 * time.Second)})

	store.evictExpired()

	if _, found, _ := store.GetLatest(ctx, "old"); found {
		t.Error("expired prediction was not evicted")
	}
	if _, found, _ := store.GetLatest(ctx, "fresh"); !found {
		t.Error("fresh prediction was evicted")
	}
}

func TestMemoryStore_CleanupRuns(t *testing.T) {
	store := NewMemoryStoreWithTTL(10*time.Millisecond, 5*time.Millisecond)
	defer store.Stop()

	_ = store.Put(context.Background(), Prediction{Metric: "cpu", PublishedAt: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for store.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("background cleanup never evicted the prediction")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMemoryStore_StopIdempotent(t *testing.T) {
	NewMemoryStore().Stop()

	store := NewMemoryStoreWithTTL(time.Minute, time.Minute)
	store.Stop()
	store.Stop()
}

func TestMemoryStore_Concurrent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			metric := fmt.Sprintf("m%d", i%5)
			_ = store.Put(ctx, Prediction{Metric: metric, Value: float64(i)})
			_, _, _ = store.GetLatest(ctx, metric)
		}()
	}
	wg.Wait()

	if store.Len() != 5 {
		t.Errorf("Len() = %d, want 5", store.Len())
	}
}
