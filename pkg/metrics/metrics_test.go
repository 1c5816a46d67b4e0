// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-envelope.
//
// go-envelope is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsEnabled(t *testing.T) {
	if !IsEnabled() {
		t.Error("Expected metrics to be enabled by default")
	}

	Disable()
	if IsEnabled() {
		t.Error("Expected metrics to be disabled after Disable()")
	}

	Enable()
	if !IsEnabled() {
		t.Error("Expected metrics to be enabled after Enable()")
	}
}

func TestRecordOperation(t *testing.T) {
	Enable()
	OperationsTotal.Reset()
	OperationDuration.Reset()

	RecordOperation(OpWrap, StatusSuccess, 0.01)
	RecordOperation(OpWrap, StatusSuccess, 0.02)
	RecordOperation(OpWrap, StatusError, 0.03)

	if got := testutil.ToFloat64(OperationsTotal.WithLabelValues(OpWrap, StatusSuccess)); got != 2 {
		t.Errorf("Expected 2 successful wraps, got %v", got)
	}
	if got := testutil.ToFloat64(OperationsTotal.WithLabelValues(OpWrap, StatusError)); got != 1 {
		t.Errorf("Expected 1 failed wrap, got %v", got)
	}
	if count := testutil.CollectAndCount(OperationDuration); count != 1 {
		t.Errorf("Expected 1 histogram series, got %d", count)
	}
}

func TestRecordOperation_Disabled(t *testing.T) {
	OperationsTotal.Reset()
	Disable()
	defer Enable()

	RecordOperation(OpUnwrap, StatusSuccess, 0.1)
	RecordError(OpUnwrap, "authentication")

	if count := testutil.CollectAndCount(OperationsTotal); count != 0 {
		t.Errorf("Expected no operations while disabled, got %d", count)
	}
}

func TestRecordError(t *testing.T) {
	Enable()
	ErrorsTotal.Reset()

	RecordError(OpInitKEK, "no_free_handle")
	RecordError(OpInitKEK, "no_free_handle")

	if got := testutil.ToFloat64(ErrorsTotal.WithLabelValues(OpInitKEK, "no_free_handle")); got != 2 {
		t.Errorf("Expected 2 errors, got %v", got)
	}
}

func TestStatusOf(t *testing.T) {
	if StatusOf(nil) != StatusSuccess {
		t.Error("Expected success for nil error")
	}
	if StatusOf(errors.New("boom")) != StatusError {
		t.Error("Expected error status for non-nil error")
	}
}

func TestRecordHandleAllocation(t *testing.T) {
	Enable()
	RecordHandleAllocation(3, 7)

	if got := testutil.ToFloat64(PersistentHandlesInUse); got != 7 {
		t.Errorf("Expected 7 handles in use, got %v", got)
	}
}

func TestResourceCollector(t *testing.T) {
	Enable()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := NewResourceCollector(ctx, time.Hour)
	done := make(chan struct{})
	go func() {
		collector.Start()
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for testutil.ToFloat64(Goroutines) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if testutil.ToFloat64(Goroutines) == 0 {
		t.Error("Expected goroutine gauge to be set")
	}

	collector.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}
