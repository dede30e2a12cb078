package registry

import (
	"context"
	"testing"
	"time"
)

func TestFutureCompleteThenWait(t *testing.T) {
	f := NewFuture[int]()
	f.Complete(42)

	if !f.Done() || f.Failed() {
		t.Fatal("expected a completed, non-failed future")
	}
	v, err := f.Wait(context.Background())
	if err != nil || v != 42 {
		t.Fatalf("Wait() = (%d, %v), want (42, nil)", v, err)
	}
}

func TestFutureFailIgnoresSecondWrite(t *testing.T) {
	f := NewFuture[int]()
	f.Fail(ErrClosed)
	f.Complete(1) // must be a no-op: first write wins

	if !f.Failed() {
		t.Fatal("expected the first write (Fail) to stick")
	}
}

func TestFutureWaitTimesOutOnContext(t *testing.T) {
	f := NewFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	if err == nil {
		t.Fatal("expected context deadline error on an incomplete future")
	}
}

func TestStateFutureCloseRotatesOpenFuture(t *testing.T) {
	sf := NewStateFuture()
	open1 := sf.OpenFuture()
	open1.Complete(URL{Path: "a"})

	sf.Close()
	cf := sf.CloseFuture()
	if cf == nil || !cf.Done() {
		t.Fatal("expected Close to complete a close future")
	}
	open2 := sf.OpenFuture()
	if open2 == open1 {
		t.Fatal("expected Close to install a fresh open future")
	}
	if open2.Done() {
		t.Fatal("expected the fresh open future to be pending")
	}
}
