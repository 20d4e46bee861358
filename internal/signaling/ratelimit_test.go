package signaling

import (
	"testing"
	"time"
)

type stubClock struct{ now time.Time }

func (c *stubClock) Now() time.Time          { return c.now }
func (c *stubClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestTokenBucketDrainAndRefill(t *testing.T) {
	clk := &stubClock{now: time.Unix(1000, 0)}
	b := newTokenBucket(clk.Now, 5, 5)

	for i := 0; i < 5; i++ {
		if !b.allow() {
			t.Fatalf("event %d should be allowed from a full bucket", i)
		}
	}
	if b.allow() {
		t.Fatal("bucket should be empty")
	}

	clk.advance(200 * time.Millisecond) // refills exactly one event at 5/sec
	if !b.allow() {
		t.Fatal("expected one refilled token")
	}
	if b.allow() {
		t.Fatal("only one token should have refilled")
	}
}

func TestTokenBucketClampsAtCapacity(t *testing.T) {
	clk := &stubClock{now: time.Unix(1000, 0)}
	b := newTokenBucket(clk.Now, 2, 2)

	clk.advance(time.Hour)
	if !b.allow() || !b.allow() {
		t.Fatal("capacity tokens should be available")
	}
	if b.allow() {
		t.Fatal("refill must not exceed capacity")
	}
}

func TestTokenBucketBackwardsClock(t *testing.T) {
	clk := &stubClock{now: time.Unix(1000, 0)}
	b := newTokenBucket(clk.Now, 1, 1)

	if !b.allow() {
		t.Fatal("first event should pass")
	}
	clk.now = clk.now.Add(-time.Minute)
	if b.allow() {
		t.Fatal("a backwards clock must not mint tokens")
	}
}
