package conversation

import (
	"slices"
	"time"

	"github.com/matheus3301/msync/internal/model"
)

type sendState int

const (
	sendPending sendState = iota
	sendConfirmed
	sendFailed
	sendTimedOut
)

func (s sendState) String() string {
	switch s {
	case sendPending:
		return "pending"
	case sendConfirmed:
		return "confirmed"
	case sendFailed:
		return "failed"
	case sendTimedOut:
		return "timed-out"
	}
	return "unknown"
}

// pendingSend is one optimistic send awaiting its server echo.
type pendingSend struct {
	clientID string
	tempID   string
	chatID   int64
	state    sendState
	local    model.Message
	timer    *time.Timer
}

// pendingTable tracks optimistic sends by correlation id. Resolved entries
// stay until pruned so late echoes are recognised.
type pendingTable struct {
	byID map[string]*pendingSend
}

func newPendingTable() *pendingTable {
	return &pendingTable{byID: make(map[string]*pendingSend)}
}

func (t *pendingTable) add(p *pendingSend) {
	t.byID[p.clientID] = p
	if p.tempID != "" && p.tempID != p.clientID {
		t.byID[p.tempID] = p
	}
}

// match returns the first waiting entry for any of ids.
func (t *pendingTable) match(ids ...string) *pendingSend {
	for _, id := range ids {
		if p, ok := t.byID[id]; ok && p.state == sendPending {
			return p
		}
	}
	return nil
}

// matchContent finds the oldest waiting send in chatID with the same text.
// Used for echoes that carry no correlation id.
func (t *pendingTable) matchContent(chatID int64, content string) *pendingSend {
	var best *pendingSend
	for _, p := range t.byID {
		if p.state != sendPending || p.chatID != chatID || p.local.Content != content {
			continue
		}
		if best == nil || p.local.CreatedAt.Before(best.local.CreatedAt) {
			best = p
		}
	}
	return best
}

func (t *pendingTable) settle(p *pendingSend, s sendState) {
	p.state = s
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// waiting counts unresolved sends.
func (t *pendingTable) waiting() int {
	n := 0
	for id, p := range t.byID {
		if id == p.clientID && p.state == sendPending {
			n++
		}
	}
	return n
}

// prune drops resolved entries older than cutoff.
func (t *pendingTable) prune(cutoff time.Time) {
	for id, p := range t.byID {
		if p.state != sendPending && p.local.CreatedAt.Before(cutoff) {
			delete(t.byID, id)
		}
	}
}

// localsFor returns the optimistic entries still waiting in chatID, oldest first.
func (t *pendingTable) localsFor(chatID int64) []model.Message {
	var out []model.Message
	for id, p := range t.byID {
		if id == p.clientID && p.state == sendPending && p.chatID == chatID {
			out = append(out, p.local)
		}
	}
	slices.SortFunc(out, func(a, b model.Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}
