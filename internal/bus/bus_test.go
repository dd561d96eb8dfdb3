package bus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRequestReply(t *testing.T) {
	b := New()
	b.Serve("echo", func(_ context.Context, data []byte) []byte {
		return append([]byte("re: "), data...)
	})

	reply, err := b.Request(context.Background(), "echo", []byte("hello"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !bytes.Equal(reply, []byte("re: hello")) {
		t.Fatalf("reply = %q", reply)
	}
}

func TestRequestNoResponder(t *testing.T) {
	b := New()
	_, err := b.Request(context.Background(), "missing", nil)
	if !errors.Is(err, ErrNoResponder) {
		t.Fatalf("got %v, want ErrNoResponder", err)
	}
}

func TestRequestRespectsContext(t *testing.T) {
	b := New()
	release := make(chan struct{})
	b.Serve("slow", func(_ context.Context, _ []byte) []byte {
		<-release
		return nil
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Request(ctx, "slow", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}
}

func TestServeReplacesResponder(t *testing.T) {
	b := New()
	b.Serve("sub", func(_ context.Context, _ []byte) []byte { return []byte("old") })
	b.Serve("sub", func(_ context.Context, _ []byte) []byte { return []byte("new") })

	reply, err := b.Request(context.Background(), "sub", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(reply) != "new" {
		t.Fatalf("reply = %q, want new", reply)
	}
}

func TestPublishFansOut(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := b.Subscribe(ctx, "audit.record")
	second := b.Subscribe(ctx, "audit.record")
	other := b.Subscribe(ctx, "other")

	b.Publish("audit.record", []byte("rec-1"))

	for i, ch := range []<-chan Event{first, second} {
		select {
		case ev := <-ch:
			if ev.Subject != "audit.record" || string(ev.Data) != "rec-1" {
				t.Fatalf("subscriber %d got %+v", i, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
	select {
	case ev := <-other:
		t.Fatalf("other subject received %+v", ev)
	default:
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, "firehose")
	// Never drained; the channel buffer is 16, so later events drop.
	for i := 0; i < 100; i++ {
		b.Publish("firehose", []byte(fmt.Sprintf("ev-%d", i)))
	}

	var got int
	for {
		select {
		case <-ch:
			got++
		default:
			if got == 0 || got > 16 {
				t.Fatalf("buffered %d events", got)
			}
			return
		}
	}
}

func TestSubscribeChannelClosesWithContext(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx, "audit.record")
	cancel()

	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel never closed")
	}

	// Publishing after unsubscribe is a no-op.
	b.Publish("audit.record", []byte("late"))
}
