package registry

import (
	"testing"
	"time"
)

func TestPublisherFIFOPerHandler(t *testing.T) {
	p := newPublisher[int]()
	p.start()
	ch := make(chan int, 8)
	if !p.addHandler("h1", func(v int) { ch <- v }) {
		t.Fatal("addHandler should succeed for a new key")
	}
	if p.addHandler("h1", func(v int) {}) {
		t.Fatal("addHandler should fail for a duplicate key")
	}

	for i := 0; i < 5; i++ {
		p.offer(i)
	}
	for i := 0; i < 5; i++ {
		select {
		case v := <-ch:
			if v != i {
				t.Fatalf("expected FIFO delivery %d, got %d", i, v)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
}

func TestPublisherOfferToSingleRecipient(t *testing.T) {
	p := newPublisher[int]()
	ch1, ch2 := make(chan int, 1), make(chan int, 1)
	p.addHandler("h1", func(v int) { ch1 <- v })
	p.addHandler("h2", func(v int) { ch2 <- v })

	p.offerTo("h1", 42)
	select {
	case v := <-ch1:
		if v != 42 {
			t.Fatalf("expected 42, got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for targeted delivery")
	}
	select {
	case v := <-ch2:
		t.Fatalf("expected no delivery to the other handler, got %d", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublisherRemoveHandlerRejectsFurtherOffers(t *testing.T) {
	p := newPublisher[int]()
	ch := make(chan int, 1)
	p.addHandler("h1", func(v int) { ch <- v })

	if !p.removeHandler("h1") {
		t.Fatal("expected removeHandler to succeed for a registered key")
	}
	if p.removeHandler("h1") {
		t.Fatal("expected a second removeHandler to report false")
	}
	if p.size() != 0 {
		t.Fatal("expected no handlers left")
	}

	p.offer(7)
	select {
	case v := <-ch:
		t.Fatalf("expected no delivery to a removed handler, got %d", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublisherCloseRejectsNewHandlers(t *testing.T) {
	p := newPublisher[int]()
	p.close()
	if p.addHandler("h1", func(v int) {}) {
		t.Fatal("expected addHandler to fail after close")
	}
}
