package dispatch

import (
	"sync"
)

// pendingReplies correlates request settings with their confirmations.
// Each in-flight request owns a buffered channel keyed by message UUID,
// the broker handler resolves it when the reply arrives.
type pendingReplies struct {
	lock sync.Mutex
	byID map[string]chan *configReply
}

func newPendingReplies() *pendingReplies {
	return &pendingReplies{byID: make(map[string]chan *configReply)}
}

func (p *pendingReplies) create(messageUUID string) chan *configReply {
	p.lock.Lock()
	defer p.lock.Unlock()
	ch := make(chan *configReply, 1)
	p.byID[messageUUID] = ch
	return ch
}

// resolve delivers the reply to the waiting sender.
// An unknown UUID means the sender already gave up, the reply is dropped.
func (p *pendingReplies) resolve(reply *configReply) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	ch, found := p.byID[reply.MessageUUID]
	if !found {
		return false
	}
	delete(p.byID, reply.MessageUUID)
	ch <- reply
	return true
}

func (p *pendingReplies) discard(messageUUID string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	delete(p.byID, messageUUID)
}
