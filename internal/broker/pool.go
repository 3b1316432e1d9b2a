package broker

import (
	"math/rand/v2"
	"time"
)

// pool is the process-local view of credential state: a rotation of
// available ids, a cooldown map, and a dead set. It is a cache of the
// ledger and registry, always reconstructible, and is only touched while
// the broker mutex is held.
type pool struct {
	available []string
	cooldown  map[string]time.Time
	dead      map[string]struct{}
}

func newPool() *pool {
	return &pool{
		cooldown: make(map[string]time.Time),
		dead:     make(map[string]struct{}),
	}
}

// reclaim moves every credential whose release time has passed back into
// the rotation. Released batches are shuffled so a restart or a mass
// release does not bias one credential.
func (p *pool) reclaim(now time.Time) {
	var released []string
	for id, at := range p.cooldown {
		if !now.Before(at) {
			released = append(released, id)
		}
	}
	if len(released) == 0 {
		return
	}
	rand.Shuffle(len(released), func(i, j int) {
		released[i], released[j] = released[j], released[i]
	})
	for _, id := range released {
		delete(p.cooldown, id)
		p.enqueue(id)
	}
}

func (p *pool) popFront() (string, bool) {
	if len(p.available) == 0 {
		return "", false
	}
	id := p.available[0]
	p.available = p.available[1:]
	return id, true
}

// enqueue appends id to the rotation unless it is already queued, dead, or
// cooling down.
func (p *pool) enqueue(id string) {
	if _, dead := p.dead[id]; dead {
		return
	}
	if _, cooling := p.cooldown[id]; cooling {
		return
	}
	for _, v := range p.available {
		if v == id {
			return
		}
	}
	p.available = append(p.available, id)
}

// requeueFront puts examined-but-busy credentials back at the head of the
// rotation in their original order, so skipping them does not reorder the
// rotation.
func (p *pool) requeueFront(ids []string) {
	if len(ids) == 0 {
		return
	}
	p.available = append(append(make([]string, 0, len(ids)+len(p.available)), ids...), p.available...)
}

func (p *pool) removeAvailable(id string) {
	for i, v := range p.available {
		if v == id {
			p.available = append(p.available[:i], p.available[i+1:]...)
			return
		}
	}
}

func (p *pool) moveToCooldown(id string, releaseAt time.Time) {
	p.removeAvailable(id)
	p.cooldown[id] = releaseAt
}

func (p *pool) moveToDead(id string) {
	p.removeAvailable(id)
	delete(p.cooldown, id)
	p.dead[id] = struct{}{}
}

func (p *pool) isDead(id string) bool {
	_, ok := p.dead[id]
	return ok
}

func (p *pool) shuffleAvailable() {
	rand.Shuffle(len(p.available), func(i, j int) {
		p.available[i], p.available[j] = p.available[j], p.available[i]
	})
}
