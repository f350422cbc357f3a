package provider

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestWaiter() *buildWaiter {
	return &buildWaiter{interval: time.Millisecond}
}

func TestBuildWaiterMarkerCompletes(t *testing.T) {
	w := newTestWaiter()
	polls := 0
	w.inspect = func(context.Context) (bool, int64, error) { return true, 0, nil }
	w.markerDone = func(context.Context) (bool, error) {
		polls++
		return polls >= 3, nil
	}

	code, err := w.wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if polls < 3 {
		t.Errorf("marker polled %d times, want at least 3", polls)
	}
}

func TestBuildWaiterContainerExitWins(t *testing.T) {
	w := newTestWaiter()
	w.inspect = func(context.Context) (bool, int64, error) { return false, 2, nil }
	w.markerDone = func(context.Context) (bool, error) {
		t.Error("marker must not be probed once the container exited")
		return false, nil
	}

	code, err := w.wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
}

func TestBuildWaiterToleratesProbeErrors(t *testing.T) {
	w := newTestWaiter()
	polls := 0
	w.inspect = func(context.Context) (bool, int64, error) { return true, 0, nil }
	w.markerDone = func(context.Context) (bool, error) {
		polls++
		if polls < 3 {
			return false, errors.New("exec probe failed")
		}
		return true, nil
	}

	code, err := w.wait(context.Background())
	if err != nil {
		t.Fatalf("probe errors must not abort the wait: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
}

func TestBuildWaiterHonorsDeadline(t *testing.T) {
	w := newTestWaiter()
	w.inspect = func(context.Context) (bool, int64, error) { return true, 0, nil }
	w.markerDone = func(context.Context) (bool, error) { return false, nil }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := w.wait(ctx); err == nil {
		t.Error("expected deadline error when the marker never appears")
	}
}

func TestBuildWaiterInspectErrorIsFatal(t *testing.T) {
	w := newTestWaiter()
	w.inspect = func(context.Context) (bool, int64, error) {
		return false, -1, errors.New("daemon unreachable")
	}
	w.markerDone = func(context.Context) (bool, error) { return false, nil }

	if _, err := w.wait(context.Background()); err == nil {
		t.Error("expected inspect error to surface")
	}
}
