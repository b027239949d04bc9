package room

import "time"

// chatLimiter enforces a per-sender chat budget over a fixed one-minute
// window. Attention traffic is never limited. Owned by the room goroutine,
// so no locking.
type chatLimiter struct {
	perMinute int
	senders   map[string]*chatWindow
}

type chatWindow struct {
	count       int
	windowStart time.Time
}

func newChatLimiter(perMinute int) *chatLimiter {
	return &chatLimiter{
		perMinute: perMinute,
		senders:   make(map[string]*chatWindow),
	}
}

// allow records one chat attempt and reports whether it fits the window.
func (l *chatLimiter) allow(senderID string, at time.Time) bool {
	w, ok := l.senders[senderID]
	if !ok || at.Sub(w.windowStart) >= time.Minute {
		l.senders[senderID] = &chatWindow{count: 1, windowStart: at}
		return true
	}
	if w.count >= l.perMinute {
		return false
	}
	w.count++
	return true
}

// forget drops a departed sender's window.
func (l *chatLimiter) forget(senderID string) {
	delete(l.senders, senderID)
}
