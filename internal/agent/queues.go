package agent

import (
	"sync"

	"github.com/haasonsaas/weft/pkg/models"
)

// QueuedMessage is one message waiting in the steering or follow-up queue.
type QueuedMessage struct {
	Text   string
	Images []models.ImageBlock
}

// SteeringMode controls how steering messages are delivered into a
// running turn.
type SteeringMode string

const (
	// SteeringOneAtATime delivers one steering message per boundary; the
	// rest drain into the follow-up queue.
	SteeringOneAtATime SteeringMode = "one-at-a-time"

	// SteeringAll delivers every queued steering message at once.
	SteeringAll SteeringMode = "all"
)

// FollowUpMode controls how follow-up messages are delivered after a turn.
type FollowUpMode string

const (
	FollowUpOneAtATime FollowUpMode = "one-at-a-time"
	FollowUpAll        FollowUpMode = "all"
)

// InterruptMode controls when a steering message interrupts the stream.
type InterruptMode string

const (
	// InterruptImmediate aborts the stream at the next chunk boundary.
	InterruptImmediate InterruptMode = "immediate"

	// InterruptWait lets the stream and the turn's tool calls run to the
	// end; steering is delivered at the turn boundary, after every tool call
	// of the turn rather than after the one in progress.
	InterruptWait InterruptMode = "wait"
)

// Queues holds the three message queues the engine drains at boundaries:
// steering (mid-turn), follow-up (post-turn), and next-turn context
// (attached to the next prompt, consumed once). Safe for concurrent use.
type Queues struct {
	mu sync.Mutex

	steering    []QueuedMessage
	followUp    []QueuedMessage
	nextContext []models.Message

	steeringMode  SteeringMode
	followUpMode  FollowUpMode
	interruptMode InterruptMode
}

// NewQueues creates queues with the default delivery modes.
func NewQueues() *Queues {
	return &Queues{
		steeringMode:  SteeringOneAtATime,
		followUpMode:  FollowUpOneAtATime,
		interruptMode: InterruptWait,
	}
}

// SetModes configures delivery policy. Empty values keep the current mode.
func (q *Queues) SetModes(steering SteeringMode, followUp FollowUpMode, interrupt InterruptMode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if steering != "" {
		q.steeringMode = steering
	}
	if followUp != "" {
		q.followUpMode = followUp
	}
	if interrupt != "" {
		q.interruptMode = interrupt
	}
}

// InterruptMode returns the current interrupt policy.
func (q *Queues) InterruptMode() InterruptMode {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.interruptMode
}

// Steer queues a message for delivery into the running turn.
func (q *Queues) Steer(msg QueuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steering = append(q.steering, msg)
}

// FollowUp queues a message for delivery after the current turn ends.
func (q *Queues) FollowUp(msg QueuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.followUp = append(q.followUp, msg)
}

// AddNextTurnContext queues an out-of-band message attached to the next
// user prompt.
func (q *Queues) AddNextTurnContext(msg models.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextContext = append(q.nextContext, msg)
}

// DrainSteering returns steering messages per the steering mode. Under
// one-at-a-time, the first message is delivered and the remainder move to
// the follow-up queue.
func (q *Queues) DrainSteering() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.steering) == 0 {
		return nil
	}
	switch q.steeringMode {
	case SteeringAll:
		msgs := q.steering
		q.steering = nil
		return msgs
	default:
		msg := q.steering[0]
		q.followUp = append(q.followUp, q.steering[1:]...)
		q.steering = nil
		return []QueuedMessage{msg}
	}
}

// DrainFollowUp returns follow-up messages per the follow-up mode.
func (q *Queues) DrainFollowUp() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.followUp) == 0 {
		return nil
	}
	switch q.followUpMode {
	case FollowUpAll:
		msgs := q.followUp
		q.followUp = nil
		return msgs
	default:
		msg := q.followUp[0]
		q.followUp = q.followUp[1:]
		return []QueuedMessage{msg}
	}
}

// DrainNextTurnContext returns and clears the next-turn context messages.
func (q *Queues) DrainNextTurnContext() []models.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.nextContext
	q.nextContext = nil
	return msgs
}

// HasSteering reports whether steering messages are queued.
func (q *Queues) HasSteering() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.steering) > 0
}

// Counts returns pending steering and follow-up counts.
func (q *Queues) Counts() (steering, followUp int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.steering), len(q.followUp)
}

// Clear drops everything queued.
func (q *Queues) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steering = nil
	q.followUp = nil
	q.nextContext = nil
}
