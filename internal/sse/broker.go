// Package sse streams board invalidations to connected clients.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	"stageline/internal/cache"
)

const EventBoardInvalidated = "board.invalidated"

// Event is one server-sent event. An empty Project reaches every client.
type Event struct {
	Type    string `json:"type"`
	Project string `json:"-"`
	Data    any    `json:"data"`
}

type subscription struct {
	ch      chan []byte
	project string
}

// Broker fans events out to SSE clients. A single loop goroutine owns the client
// set; the exported methods talk to it over channels.
type Broker struct {
	subscribeCh   chan subscription
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
	dropped atomic.Int64
}

func NewBroker() *Broker {
	b := &Broker{
		subscribeCh:   make(chan subscription),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]string)

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		raw := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload))
		for ch, project := range clients {
			if project != "" && event.Project != "" && project != event.Project {
				continue
			}
			select {
			case ch <- raw:
			default:
				// slow client; it refetches on its next event anyway
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return
		case sub := <-b.subscribeCh:
			clients[sub.ch] = sub.project
		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}
		case event := <-b.publishCh:
			broadcast(event)
		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close stops the loop and closes every client channel.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe registers a client. A non-empty project limits delivery to events
// for that project.
func (b *Broker) Subscribe(project string) chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.subscribeCh <- subscription{ch: ch, project: project}:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// Invalidated publishes a board.invalidated event for key. It never blocks, so it
// is safe as a cache.OnInvalidate listener; events past the buffer are dropped.
func (b *Broker) Invalidated(key cache.Key) {
	if b.closed.Load() {
		return
	}
	kind, project, ok := key.Parse()
	if !ok {
		return
	}
	event := Event{
		Type:    EventBoardInvalidated,
		Project: project,
		Data:    map[string]string{"key": string(key), "kind": string(kind), "project_id": project},
	}
	select {
	case b.publishCh <- event:
	default:
		b.dropped.Add(1)
	}
}

// Dropped counts invalidations lost to a full publish buffer.
func (b *Broker) Dropped() int64 { return b.dropped.Load() }

// ServeHTTP streams events. ?project= narrows the stream to one project.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe(r.URL.Query().Get("project"))
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
