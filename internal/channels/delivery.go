package channels

import (
	"fmt"
	"strings"
)

// Queue is where validated outbound ops go. Implemented by the outbox
// manager.
type Queue interface {
	// Enqueue accepts one op and returns the channel its terminal Result
	// arrives on.
	Enqueue(op Op) <-chan Result
}

// Delivery is the outbound façade: it validates the channel, applies
// capability defaults and hands the op to the peer's queue.
type Delivery struct {
	reg   *Registry
	queue Queue
}

func NewDelivery(reg *Registry, queue Queue) *Delivery {
	return &Delivery{reg: reg, queue: queue}
}

// Send queues a text (and optional media) send. Text longer than the
// channel's chunk limit is split into multiple sends; one Result channel is
// returned per queued op, in order.
//
// Idempotency is strictly opt-in: ops without a caller-supplied Key are
// never coalesced or suppressed, so repeated identical messages each
// deliver.
func (d *Delivery) Send(op Op) ([]<-chan Result, error) {
	a, ok := d.reg.Get(op.Channel)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, op.Channel)
	}
	op.Kind = OpSend

	limit := a.Meta().Capabilities.ChunkLimit
	if limit <= 0 {
		limit = DefaultChunkLimit
	}

	chunks := chunkText(op.Text, limit)
	if len(chunks) == 0 {
		chunks = []string{op.Text}
	}

	results := make([]<-chan Result, 0, len(chunks))
	for i, chunk := range chunks {
		part := op
		part.Text = chunk
		// Attachments and reply metadata ride on the first chunk only.
		if i > 0 {
			part.Media = nil
			part.Buttons = nil
			part.ReplyTo = ""
		}
		// Chunks of a keyed send get distinct keys or idempotency would
		// collapse them into one delivery.
		if op.Key != "" && len(chunks) > 1 {
			part.Key = fmt.Sprintf("%s:%d", op.Key, i)
		}
		results = append(results, d.queue.Enqueue(part))
	}
	return results, nil
}

// Edit queues an edit of a previously sent message. Channels without edit
// support resolve immediately with a permanent error.
func (d *Delivery) Edit(op Op) (<-chan Result, error) {
	a, ok := d.reg.Get(op.Channel)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, op.Channel)
	}
	op.Kind = OpEdit
	if !a.Meta().Capabilities.EditSupport {
		ch := make(chan Result, 1)
		ch <- Result{Err: &PermanentError{Err: fmt.Errorf("channel %s does not support edits", op.Channel)}}
		return ch, nil
	}
	return d.queue.Enqueue(op), nil
}

// Delete queues a delete of a previously sent message.
func (d *Delivery) Delete(op Op) (<-chan Result, error) {
	if _, ok := d.reg.Get(op.Channel); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, op.Channel)
	}
	op.Kind = OpDelete
	return d.queue.Enqueue(op), nil
}

// chunkText splits text into pieces no longer than limit, preferring to
// break at a newline, then a space, falling back to a hard cut.
func chunkText(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := limit
		if idx := strings.LastIndexByte(text[:limit], '\n'); idx > limit/2 {
			cut = idx + 1
		} else if idx := strings.LastIndexByte(text[:limit], ' '); idx > limit/2 {
			cut = idx + 1
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
