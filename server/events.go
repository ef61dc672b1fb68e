package server

import (
	"log/slog"
	"sync/atomic"

	"github.com/msconstructor/data-sync/proto"
)

// subscriberBuffer is how many notifications a slow stream may lag behind
// before further notifications to it are dropped. Clients recover from a
// dropped notification on their next ListChanges.
const subscriberBuffer = 64

type notifyChange struct {
	pubkey       string
	notification *proto.Notification
}

type unsubscribe struct {
	pubkey string
	id     int64
}

type subscription struct {
	id         int64
	pubkey     string
	eventsChan chan *proto.Notification
}

type eventsManager struct {
	globalIDs atomic.Int64
	started   atomic.Bool
	streams   map[string][]*subscription
	msgChan   chan any
	done      chan struct{}
	logger    *slog.Logger
}

func newEventsManager(logger *slog.Logger) *eventsManager {
	return &eventsManager{
		streams: make(map[string][]*subscription),
		msgChan: make(chan any),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

func (c *eventsManager) start(quitChan chan struct{}) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(c.done)
		for {
			select {
			case msg := <-c.msgChan:
				switch s := msg.(type) {
				case *subscription:
					c.streams[s.pubkey] = append(c.streams[s.pubkey], s)
				case *unsubscribe:
					var newSubs []*subscription
					for _, sub := range c.streams[s.pubkey] {
						if sub.id != s.id {
							newSubs = append(newSubs, sub)
							continue
						}
						close(sub.eventsChan)
					}
					delete(c.streams, s.pubkey)
					if len(newSubs) > 0 {
						c.streams[s.pubkey] = newSubs
					}
				case *notifyChange:
					for _, sub := range c.streams[s.pubkey] {
						select {
						case sub.eventsChan <- s.notification:
						default:
							c.logger.Warn("dropping change notification for slow stream", "subscription", sub.id)
						}
					}
				}

			case <-quitChan:
				for _, subs := range c.streams {
					for _, sub := range subs {
						close(sub.eventsChan)
					}
				}
				c.streams = nil
				return
			}
		}
	}()
}

// send hands msg to the manager loop. It reports false when the loop is not
// running.
func (c *eventsManager) send(msg any) bool {
	if !c.started.Load() {
		return false
	}
	select {
	case c.msgChan <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *eventsManager) notifyChange(pubkey string, notification *proto.Notification) {
	c.send(&notifyChange{pubkey: pubkey, notification: notification})
}

// subscribe returns nil unless the manager is running.
func (c *eventsManager) subscribe(pubkey string) *subscription {
	s := &subscription{
		pubkey:     pubkey,
		eventsChan: make(chan *proto.Notification, subscriberBuffer),
		id:         c.globalIDs.Add(1),
	}
	if !c.send(s) {
		return nil
	}
	return s
}

func (c *eventsManager) unsubscribe(pubkey string, id int64) {
	c.send(&unsubscribe{pubkey: pubkey, id: id})
}
