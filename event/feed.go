// Package event implements a one-to-many Feed/Subscription primitive. The
// executive uses Feed to fan a single stream of scheduler transitions out
// to any number of subscribed channels; delivery goes to one channel after
// another, so a subscriber that stops receiving blocks the sender.
package event

import (
	"errors"
	"reflect"
	"sync"
)

// ErrFeedTypeMismatch is the value Send panics with when it is called with a
// value whose type does not match the type fixed by the feed's first
// Subscribe or Send call.
var ErrFeedTypeMismatch = errors.New("event: value type mismatch")

// Subscription represents a stream of events. The carrier of the events is
// typically a channel, but isn't part of the interface itself.
type Subscription interface {
	// Unsubscribe cancels the sending of events to the channel and closes
	// the error channel.
	Unsubscribe()
	// Err returns the subscription's error channel, closed when Unsubscribe
	// is called.
	Err() <-chan error
}

type feedSub struct {
	feed    *Feed
	channel reflect.Value
	errOnce sync.Once
	err     chan error
}

func (s *feedSub) Unsubscribe() {
	s.errOnce.Do(func() {
		s.feed.remove(s)
		close(s.err)
	})
}

func (s *feedSub) Err() <-chan error { return s.err }

// Feed implements one-to-many subscriptions where the carrier of events is a
// channel. Values sent to a Feed are delivered to the subscribed channels in
// turn, so a subscriber that is not receiving holds up the Send.
//
// The zero value is ready to use.
type Feed struct {
	mu       sync.Mutex
	typ      reflect.Type
	subs     map[*feedSub]struct{}
	sendLock chan struct{} // one-buffered; held while sending on all channels
}

func (f *Feed) init(etype reflect.Type) {
	f.typ = etype
	f.subs = make(map[*feedSub]struct{})
	f.sendLock = make(chan struct{}, 1)
	f.sendLock <- struct{}{}
}

// Subscribe adds a channel to the feed. Future sends will be delivered on
// the channel until the subscription is canceled. All channels added must
// have the same element type.
func (f *Feed) Subscribe(channel interface{}) Subscription {
	chanval := reflect.ValueOf(channel)
	chantyp := chanval.Type()
	if chantyp.Kind() != reflect.Chan || chantyp.ChanDir()&reflect.SendDir == 0 {
		panic("event: Subscribe argument does not have sendable channel type")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.typ == nil {
		f.init(chantyp.Elem())
	}
	if f.typ != chantyp.Elem() {
		panic("event: subscribe channel type mismatch")
	}

	sub := &feedSub{feed: f, channel: chanval, err: make(chan error, 1)}
	f.subs[sub] = struct{}{}
	return sub
}

func (f *Feed) remove(sub *feedSub) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, sub)
}

// Send delivers the value to each channel subscribed at the time of the
// call, one channel after another. It blocks until every one of them has
// received the value; unsubscribing a channel while Send is waiting on it
// does not release Send. It returns the number of subscribers that the
// value was sent to.
func (f *Feed) Send(value interface{}) (nsent int) {
	rvalue := reflect.ValueOf(value)

	f.mu.Lock()
	if f.typ == nil {
		f.init(rvalue.Type())
	}
	if f.typ != rvalue.Type() {
		f.mu.Unlock()
		panic(ErrFeedTypeMismatch)
	}
	sendLock := f.sendLock
	f.mu.Unlock()

	<-sendLock
	defer func() { sendLock <- struct{}{} }()

	f.mu.Lock()
	subs := make([]*feedSub, 0, len(f.subs))
	for sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		sub.channel.Send(rvalue)
		nsent++
	}
	return nsent
}
