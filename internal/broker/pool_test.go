package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPool_EnqueueDedupes(t *testing.T) {
	p := newPool()
	p.enqueue("a")
	p.enqueue("b")
	p.enqueue("a")
	assert.Equal(t, []string{"a", "b"}, p.available)
}

func TestPool_EnqueueSkipsDeadAndCooling(t *testing.T) {
	p := newPool()
	p.dead["d"] = struct{}{}
	p.cooldown["c"] = time.Now().Add(time.Minute)

	p.enqueue("d")
	p.enqueue("c")
	assert.Empty(t, p.available)
}

func TestPool_RequeueFrontKeepsOrder(t *testing.T) {
	p := newPool()
	p.enqueue("x")
	p.enqueue("y")
	p.requeueFront([]string{"a", "b"})
	assert.Equal(t, []string{"a", "b", "x", "y"}, p.available)
}

func TestPool_ReclaimReleasesExpiredOnly(t *testing.T) {
	p := newPool()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	p.cooldown["past"] = now.Add(-time.Second)
	p.cooldown["exact"] = now
	p.cooldown["future"] = now.Add(time.Second)

	p.reclaim(now)

	assert.ElementsMatch(t, []string{"past", "exact"}, p.available)
	assert.Contains(t, p.cooldown, "future")
	assert.NotContains(t, p.cooldown, "past")
}

func TestPool_MoveToDeadClearsOtherStates(t *testing.T) {
	p := newPool()
	p.enqueue("a")
	p.moveToCooldown("a", time.Now().Add(time.Hour))
	p.moveToDead("a")

	assert.Empty(t, p.available)
	assert.Empty(t, p.cooldown)
	assert.True(t, p.isDead("a"))

	// dead wins over any later enqueue attempt
	p.enqueue("a")
	assert.Empty(t, p.available)
}
