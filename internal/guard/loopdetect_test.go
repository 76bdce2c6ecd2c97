package guard

import (
	"testing"
	"time"
)

func testLoopConfig() LoopConfig {
	return LoopConfig{
		Window:        15,
		Threshold:     5,
		BlockDuration: 2 * time.Minute,
		MinTimeSpan:   30 * time.Second,
		SimilarityMin: 0.95,
	}
}

func TestLoopDetectorBlocksRepeatedContent(t *testing.T) {
	d := NewLoopDetector(testLoopConfig())
	now := time.Now()

	// Identical messages spaced beyond MinTimeSpan: the fifth trips the
	// threshold.
	for i := 0; i < 4; i++ {
		at := now.Add(time.Duration(i) * 31 * time.Second)
		if d.IsLoop("sender", "como funciona?", at) {
			t.Fatalf("message %d flagged as loop too early", i+1)
		}
	}
	if !d.IsLoop("sender", "como funciona?", now.Add(4*31*time.Second)) {
		t.Error("fifth near-identical message should trigger the loop block")
	}
}

func TestLoopDetectorBlockAppliesToAllContent(t *testing.T) {
	d := NewLoopDetector(testLoopConfig())
	now := time.Now()

	for i := 0; i < 5; i++ {
		d.IsLoop("sender", "ping", now.Add(time.Duration(i)*31*time.Second))
	}
	blockedAt := now.Add(4 * 31 * time.Second)
	if !d.IsLoop("sender", "something completely different", blockedAt.Add(time.Second)) {
		t.Error("a blocked sender is blocked regardless of content")
	}
}

func TestLoopDetectorBlockExpires(t *testing.T) {
	cfg := testLoopConfig()
	d := NewLoopDetector(cfg)
	now := time.Now()

	for i := 0; i < 5; i++ {
		d.IsLoop("sender", "ping", now.Add(time.Duration(i)*31*time.Second))
	}
	blockedAt := now.Add(4 * 31 * time.Second)
	after := blockedAt.Add(cfg.BlockDuration + time.Second)
	if d.IsLoop("sender", "fresh topic after the cooldown", after) {
		t.Error("block should lift after BlockDuration")
	}
}

func TestLoopDetectorIgnoresFastDoubleSend(t *testing.T) {
	d := NewLoopDetector(testLoopConfig())
	now := time.Now()

	// A burst of identical messages inside MinTimeSpan is a double-tap,
	// not a loop.
	for i := 0; i < 5; i++ {
		if d.IsLoop("sender", "oi", now.Add(time.Duration(i)*time.Second)) {
			t.Fatalf("fast repeat %d must not count as a loop", i+1)
		}
	}
}

func TestLoopDetectorIgnoresVariedContent(t *testing.T) {
	d := NewLoopDetector(testLoopConfig())
	now := time.Now()

	msgs := []string{
		"qual o horário de funcionamento?",
		"vocês entregam no centro?",
		"quanto custa o frete?",
		"aceitam cartão?",
		"obrigado pela ajuda!",
	}
	for i, msg := range msgs {
		if d.IsLoop("sender", msg, now.Add(time.Duration(i)*31*time.Second)) {
			t.Fatalf("varied message %d flagged as loop", i+1)
		}
	}
}

func TestLoopDetectorNearIdenticalCounts(t *testing.T) {
	d := NewLoopDetector(testLoopConfig())
	now := time.Now()

	// Variants above the 0.95 similarity threshold count as repeats.
	msgs := []string{
		"quero saber mais sobre o produto",
		"quero saber mais sobre o produto.",
		"quero saber mais sobre o produtoo",
		"quero saber mais sobre o produto",
		"quero saber mais sobre o produto",
	}
	blocked := false
	for i, msg := range msgs {
		blocked = d.IsLoop("sender", msg, now.Add(time.Duration(i)*31*time.Second))
	}
	if !blocked {
		t.Error("near-identical variants should trip the threshold")
	}
}

func TestLoopDetectorWindowEviction(t *testing.T) {
	cfg := testLoopConfig()
	cfg.Window = 3
	d := NewLoopDetector(cfg)
	now := time.Now()

	// Old repeats are evicted by newer unrelated traffic, so the count
	// never reaches the threshold.
	at := func(i int) time.Time { return now.Add(time.Duration(i) * 31 * time.Second) }
	d.IsLoop("sender", "repeat me", at(0))
	d.IsLoop("sender", "repeat me", at(1))
	d.IsLoop("sender", "unrelated one", at(2))
	d.IsLoop("sender", "unrelated two", at(3))
	d.IsLoop("sender", "unrelated three", at(4))
	if d.IsLoop("sender", "repeat me", at(5)) {
		t.Error("evicted entries must not count toward the threshold")
	}
}

func TestLoopDetectorSweep(t *testing.T) {
	d := NewLoopDetector(testLoopConfig())
	now := time.Now()

	d.IsLoop("idle", "oi", now.Add(-3*time.Hour))
	d.IsLoop("fresh", "oi", now)

	if removed := d.Sweep(now.Add(-time.Hour)); removed != 1 {
		t.Errorf("Sweep removed %d logs, want 1", removed)
	}
	if d.Tracked() != 1 {
		t.Errorf("Tracked() = %d after sweep, want 1", d.Tracked())
	}
}
