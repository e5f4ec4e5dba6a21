package debugger

import (
	"log/slog"
	"sync"
)

// Child is one live forked debugging session: a goroutine running the
// script against a forked dataset, holding the client connection the
// parent handed over.
type Child struct {
	ID     int
	cancel func()
}

// Children tracks live forked sessions so the server can reap them and
// kill them all at shutdown. Unlike the rest of the debugger state it is
// touched from multiple goroutines.
type Children struct {
	mu     sync.Mutex
	nextID int
	live   map[int]*Child
	log    *slog.Logger
}

func NewChildren() *Children {
	return &Children{
		live: make(map[int]*Child),
		log:  slog.Default(),
	}
}

// Add registers a session and returns its id. cancel must stop the
// session when called; it has to be safe to call more than once.
func (c *Children) Add(cancel func()) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.live[id] = &Child{ID: id, cancel: cancel}
	return id
}

// Remove drops a finished session, reporting whether it was tracked.
func (c *Children) Remove(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.live[id]; !ok {
		return false
	}
	delete(c.live, id)
	return true
}

// Pending returns the number of sessions not yet reaped.
func (c *Children) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

// KillAll cancels every live session. Used at server shutdown.
func (c *Children) KillAll() {
	c.mu.Lock()
	victims := make([]*Child, 0, len(c.live))
	for _, ch := range c.live {
		victims = append(victims, ch)
	}
	c.live = make(map[int]*Child)
	c.mu.Unlock()
	for _, ch := range victims {
		c.log.Info("killing debugging session", "id", ch.ID)
		ch.cancel()
	}
}
