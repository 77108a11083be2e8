package storage

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pagekeeper/internal/page"
)

func budgetKey(i int) page.Key {
	return page.NewKey("budget", []byte(fmt.Sprintf("page-%d", i)))
}

func TestDiskBudget_BasicOperations(t *testing.T) {
	b := NewDiskBudget("test-budget", 1024)

	if b.Used() != 0 {
		t.Errorf("Expected initial usage to be 0, got %d", b.Used())
	}
	if b.Available() != 1024 {
		t.Errorf("Expected available space to be 1024, got %d", b.Available())
	}
	if b.Level() != PressureNone {
		t.Errorf("Expected no pressure, got %s", b.Level())
	}

	k := budgetKey(1)
	if err := b.Charge(k, 512); err != nil {
		t.Fatalf("Failed to charge: %v", err)
	}
	if b.Used() != 512 || b.PageSize(k) != 512 {
		t.Errorf("Expected usage 512, got %d (page %d)", b.Used(), b.PageSize(k))
	}
	if b.Pressure() != 0.5 {
		t.Errorf("Expected pressure 0.5, got %f", b.Pressure())
	}

	if err := b.Charge(k, -112); err != nil {
		t.Fatalf("Failed to shrink: %v", err)
	}
	if freed := b.Release(k); freed != 400 {
		t.Errorf("Expected to free 400 bytes, got %d", freed)
	}
	if b.Used() != 0 {
		t.Errorf("Expected usage 0 after release, got %d", b.Used())
	}
	if freed := b.Release(k); freed != 0 {
		t.Errorf("Second release should free nothing, got %d", freed)
	}
}

func TestDiskBudget_Limits(t *testing.T) {
	b := NewDiskBudget("test-budget", 1024)
	b.SetPressureHandlers(nil, nil, nil)

	if err := b.Charge(budgetKey(1), 1024); err != nil {
		t.Fatalf("Failed to charge at limit: %v", err)
	}
	err := b.Charge(budgetKey(2), 1)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("Expected ErrBudgetExceeded, got %v", err)
	}
	if b.PageSize(budgetKey(2)) != 0 {
		t.Errorf("Refused charge should not be recorded")
	}

	// Shrinking below zero clamps to nothing held.
	if err := b.Charge(budgetKey(1), -4096); err != nil {
		t.Fatalf("Failed to shrink: %v", err)
	}
	if b.Used() != 0 {
		t.Errorf("Expected usage 0, got %d", b.Used())
	}

	stats := b.Stats()
	if stats.Refusals != 1 || stats.Pages != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestDiskBudget_SetIgnoresLimit(t *testing.T) {
	b := NewDiskBudget("test-budget", 100)
	b.Set(budgetKey(1), 150)
	if b.Used() != 150 {
		t.Errorf("Expected usage 150, got %d", b.Used())
	}
	if b.Level() != PressurePanic {
		t.Errorf("Expected panic pressure, got %s", b.Level())
	}
	b.Set(budgetKey(1), 50)
	if b.Used() != 50 {
		t.Errorf("Expected usage 50 after reset, got %d", b.Used())
	}
}

func TestDiskBudget_PressureThresholds(t *testing.T) {
	b := NewDiskBudget("test-budget", 1000)

	type call struct {
		level    PressureLevel
		pressure float64
	}
	calls := make(chan call, 8)
	b.SetPressureHandlers(
		func(p float64) { calls <- call{PressureWarning, p} },
		func(p float64) { calls <- call{PressureCritical, p} },
		func(p float64) { calls <- call{PressurePanic, p} },
	)

	expect := func(level PressureLevel, min float64) {
		t.Helper()
		select {
		case c := <-calls:
			if c.level != level {
				t.Errorf("Expected %s callback, got %s", level, c.level)
			}
			if c.pressure < min {
				t.Errorf("Expected pressure >= %f, got %f", min, c.pressure)
			}
		case <-time.After(time.Second):
			t.Fatalf("Expected %s callback", level)
		}
	}

	if err := b.Charge(budgetKey(1), 850); err != nil {
		t.Fatalf("Failed to charge: %v", err)
	}
	expect(PressureWarning, 0.80)

	if err := b.Charge(budgetKey(2), 60); err != nil {
		t.Fatalf("Failed to charge: %v", err)
	}
	expect(PressureCritical, 0.90)

	if err := b.Charge(budgetKey(3), 50); err != nil {
		t.Fatalf("Failed to charge: %v", err)
	}
	expect(PressurePanic, 0.95)
}

func TestDiskBudget_CustomThresholds(t *testing.T) {
	b := NewDiskBudget("test-budget", 1000)

	if err := b.SetPressureThresholds(0.9, 0.8, 0.95); err == nil {
		t.Error("Expected error for unordered thresholds")
	}
	if err := b.SetPressureThresholds(0.5, 0.6, 1.5); err == nil {
		t.Error("Expected error for threshold above 1")
	}
	if err := b.SetPressureThresholds(0.5, 0.6, 0.7); err != nil {
		t.Fatalf("Failed to set thresholds: %v", err)
	}

	b.SetPressureHandlers(nil, nil, nil)
	b.Set(budgetKey(1), 650)
	if b.Level() != PressureCritical {
		t.Errorf("Expected critical pressure, got %s", b.Level())
	}
}

func TestDiskBudget_ConcurrentCharges(t *testing.T) {
	b := NewDiskBudget("concurrent-test", 1<<20)
	b.SetPressureHandlers(nil, nil, nil)

	const workers = 50
	const perWorker = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if err := b.Charge(budgetKey(i), 10); err != nil {
					t.Errorf("Failed to charge: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	if want := int64(workers * perWorker * 10); b.Used() != want {
		t.Errorf("Expected usage %d, got %d", want, b.Used())
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Release(budgetKey(i))
		}(i)
	}
	wg.Wait()

	if b.Used() != 0 {
		t.Errorf("Expected usage 0 after releasing all, got %d", b.Used())
	}
}
