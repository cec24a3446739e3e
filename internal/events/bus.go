// Package events provides a generic publish/subscribe broadcaster used
// throughout the coordinator: the Observation Table fans deltas out to
// per-endpoint subscribers, and the MQTT service fans inbound publishes
// out to per-prefix receivers. Both are the same non-blocking
// broadcast-channel shape, parameterized over the payload type.
package events

import "sync"

// Broadcaster is a non-blocking broadcast channel. Subscribers receive
// values on buffered channels; a subscriber whose channel is full is
// notified on its lag channel (if it asked for one) rather than blocking
// the publisher, and then resumes receiving from the next publish.
type Broadcaster[T any] struct {
	mu   sync.RWMutex
	subs map[chan T]chan struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan T view.
	recvToSend map[<-chan T]chan T
}

// NewBroadcaster creates a broadcaster ready for use.
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{
		subs:       make(map[chan T]chan struct{}),
		recvToSend: make(map[<-chan T]chan T),
	}
}

// Publish sends a value to every subscriber. Non-blocking: a full
// subscriber channel gets a non-blocking lag signal instead (if it
// registered one) and the value is dropped for that subscriber. Safe to
// call on a nil receiver.
func (b *Broadcaster[T]) Publish(v T) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, lag := range b.subs {
		select {
		case ch <- v:
		default:
			if lag != nil {
				select {
				case lag <- struct{}{}:
				default:
				}
			}
		}
	}
}

// Subscribe returns a channel that receives published values, buffered to
// bufSize, plus a lag channel that receives a non-blocking signal each
// time this subscriber missed a value because its buffer was full. The
// caller must eventually call Unsubscribe to release the subscription.
func (b *Broadcaster[T]) Subscribe(bufSize int) (data <-chan T, lag <-chan struct{}) {
	ch := make(chan T, bufSize)
	lagCh := make(chan struct{}, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = lagCh
	b.recvToSend[ch] = ch
	return ch, lagCh
}

// Unsubscribe removes a subscription and closes its channels. Safe to
// call with an already-unsubscribed channel (no-op). Returns the number
// of subscribers remaining after removal, so callers (like the
// Observation Table) can garbage-collect an endpoint once it reaches
// zero.
func (b *Broadcaster[T]) Unsubscribe(ch <-chan T) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return len(b.subs)
	}
	lagCh := b.subs[sendCh]
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
	if lagCh != nil {
		close(lagCh)
	}
	return len(b.subs)
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster[T]) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
