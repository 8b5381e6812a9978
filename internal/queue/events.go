package queue

import (
	"context"

	"enhanced/internal/apperr"
	"enhanced/pkg/types"
)

// EventType names a job event.
type EventType string

const (
	EventStarted  EventType = "started"
	EventProgress EventType = "progress"
	EventArtifact EventType = "artifact"
	// EventEnd is the last event of a job; the channel is closed after it.
	EventEnd EventType = "end"
)

// Event is delivered to job subscribers.
type Event struct {
	Type     EventType           `json:"type"`
	Job      types.JobInfo       `json:"job"`
	Artifact *types.ArtifactInfo `json:"artifact,omitempty"`
}

const subscriberBuffer = 64

// Subscribe returns a channel receiving the job's events. Subscribing to a
// finished job yields its end event on an already closed channel.
func (q *Queue) Subscribe(id string) (<-chan Event, error) {
	q.mu.Lock()
	_, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return nil, apperr.NotFound("queue.subscribe", id)
	}
	ch := make(chan Event, subscriberBuffer)
	q.subsMu.Lock()
	defer q.subsMu.Unlock()
	if ev, ok := q.ended[id]; ok {
		ch <- ev
		close(ch)
		return ch, nil
	}
	q.subs[id] = append(q.subs[id], ch)
	return ch, nil
}

// Unsubscribe removes a channel returned by Subscribe and closes it.
func (q *Queue) Unsubscribe(id string, ch <-chan Event) {
	q.subsMu.Lock()
	defer q.subsMu.Unlock()
	subs := q.subs[id]
	for i, s := range subs {
		if s == ch {
			q.subs[id] = append(subs[:i], subs[i+1:]...)
			close(s)
			break
		}
	}
	if len(q.subs[id]) == 0 {
		delete(q.subs, id)
	}
}

// notify sends ev to every subscriber of the job without blocking. Slow
// subscribers miss intermediate events.
func (q *Queue) notify(id string, ev Event) {
	q.subsMu.Lock()
	defer q.subsMu.Unlock()
	for _, ch := range q.subs[id] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// notifyAndClose delivers the end event and closes every subscriber channel.
// A full buffer loses its oldest event so the end event always arrives.
func (q *Queue) notifyAndClose(id string, ev Event) {
	q.subsMu.Lock()
	defer q.subsMu.Unlock()
	for _, ch := range q.subs[id] {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
		close(ch)
	}
	delete(q.subs, id)
	q.ended[id] = ev
}

// Await blocks until the job is terminal or ctx is done.
func (q *Queue) Await(ctx context.Context, id string) (types.JobInfo, error) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return types.JobInfo{}, apperr.NotFound("queue.await", id)
	}
	select {
	case <-j.done:
		return q.Get(id)
	case <-ctx.Done():
		return types.JobInfo{}, ctx.Err()
	}
}
