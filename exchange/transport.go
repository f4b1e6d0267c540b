package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrSizeMismatch reports a peer that sent a different number of values
	// than the local schedule expects
	ErrSizeMismatch = errors.New("exchange: message size mismatch")
	// ErrTopology reports ranks that disagree on the exchange sequence
	ErrTopology = errors.New("exchange: inconsistent partition topology")
)

// Tag identifies one collective call so both sides of a message can check
// they are taking part in the same exchange. Calls on different streams of
// one plan may interleave; calls on one stream are numbered by Seq.
type Tag struct {
	Plan    string
	Stream  string
	Seq     uint64
	Reverse bool
}

func (t Tag) String() string {
	dir := "forward"
	if t.Reverse {
		dir = "reverse"
	}
	name := t.Plan
	if t.Stream != "" {
		name += "[" + t.Stream + "]"
	}
	return fmt.Sprintf("%s#%d/%s", name, t.Seq, dir)
}

func (t Tag) sameStream(o Tag) bool {
	return t.Plan == o.Plan && t.Stream == o.Stream
}

type streamKey struct{}

// WithStream labels the exchanges made under ctx. Ranks that run several
// collectives on one plan concurrently give each its own stream, named the
// same on every rank.
func WithStream(ctx context.Context, stream string) context.Context {
	return context.WithValue(ctx, streamKey{}, stream)
}

// StreamFrom returns the stream set by WithStream, or ""
func StreamFrom(ctx context.Context) string {
	s, _ := ctx.Value(streamKey{}).(string)
	return s
}

// Transport moves buffers between the ranks of a partitioned run. Send and
// Recv block until the message is queued or delivered, or ctx is done.
type Transport[T any] interface {
	Rank() int
	Size() int
	Send(ctx context.Context, to int, tag Tag, data []T) error
	Recv(ctx context.Context, from int, tag Tag) ([]T, error)
}

type message[T any] struct {
	tag  Tag
	data []T
}

// ChannelTransport connects ranks living in one process. Each ordered pair of
// ranks owns a buffered channel, so a collective in which every rank sends
// before it receives cannot deadlock. Messages that arrive for another
// stream are held until their receiver asks for them.
type ChannelTransport[T any] struct {
	rank  int
	links [][]chan message[T] // [from][to]

	mu      sync.Mutex
	pending [][]message[T] // [from]
	wake    chan struct{}  // closed when pending grows
}

// DefaultLinkDepth is the number of messages a link buffers before Send blocks
const DefaultLinkDepth = 4

// NewChannelWorld creates numRanks connected transports, one per rank
func NewChannelWorld[T any](numRanks, depth int) []*ChannelTransport[T] {
	if numRanks <= 0 {
		panic(fmt.Sprintf("exchange: invalid rank count %d", numRanks))
	}
	if depth <= 0 {
		depth = DefaultLinkDepth
	}
	links := make([][]chan message[T], numRanks)
	for p := range links {
		links[p] = make([]chan message[T], numRanks)
		for q := range links[p] {
			links[p][q] = make(chan message[T], depth)
		}
	}
	world := make([]*ChannelTransport[T], numRanks)
	for r := range world {
		world[r] = &ChannelTransport[T]{
			rank:    r,
			links:   links,
			pending: make([][]message[T], numRanks),
			wake:    make(chan struct{}),
		}
	}
	return world
}

func (ct *ChannelTransport[T]) Rank() int { return ct.rank }

func (ct *ChannelTransport[T]) Size() int { return len(ct.links) }

// Send copies data onto the link to rank "to"
func (ct *ChannelTransport[T]) Send(ctx context.Context, to int, tag Tag, data []T) error {
	if to < 0 || to >= len(ct.links) {
		return fmt.Errorf("rank %d: send to invalid rank %d: %w", ct.rank, to, ErrTopology)
	}
	buf := make([]T, len(data))
	copy(buf, data)
	select {
	case ct.links[ct.rank][to] <- message[T]{tag: tag, data: buf}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rank %d: send %s to %d: %w", ct.rank, tag, to, ctx.Err())
	}
}

// Recv returns the message tagged tag from rank "from". Messages of other
// streams are set aside for their own receivers; a message of the same stream
// with a different tag means the ranks disagree on the call sequence.
func (ct *ChannelTransport[T]) Recv(ctx context.Context, from int, tag Tag) ([]T, error) {
	if from < 0 || from >= len(ct.links) {
		return nil, fmt.Errorf("rank %d: receive from invalid rank %d: %w", ct.rank, from, ErrTopology)
	}
	for {
		ct.mu.Lock()
		data, ok, err := ct.takePending(from, tag)
		wake := ct.wake
		ct.mu.Unlock()
		if ok {
			return data, err
		}

		select {
		case msg := <-ct.links[from][ct.rank]:
			if msg.tag == tag {
				return msg.data, nil
			}
			if msg.tag.sameStream(tag) {
				return nil, ct.mismatch(from, tag, msg.tag)
			}
			ct.mu.Lock()
			ct.pending[from] = append(ct.pending[from], msg)
			close(ct.wake)
			ct.wake = make(chan struct{})
			ct.mu.Unlock()
		case <-wake:
		case <-ctx.Done():
			return nil, fmt.Errorf("rank %d: receive %s from %d: %w", ct.rank, tag, from, ctx.Err())
		}
	}
}

// takePending must be called with mu held
func (ct *ChannelTransport[T]) takePending(from int, tag Tag) ([]T, bool, error) {
	held := ct.pending[from]
	for i, msg := range held {
		if msg.tag == tag {
			ct.pending[from] = append(held[:i:i], held[i+1:]...)
			return msg.data, true, nil
		}
	}
	for _, msg := range held {
		if msg.tag.sameStream(tag) {
			return nil, true, ct.mismatch(from, tag, msg.tag)
		}
	}
	return nil, false, nil
}

func (ct *ChannelTransport[T]) mismatch(from int, want, got Tag) error {
	return fmt.Errorf("rank %d: expected %s from %d, got %s: %w",
		ct.rank, want, from, got, ErrTopology)
}

// Transports returns the world as a slice of the Transport interface
func Transports[T any](world []*ChannelTransport[T]) []Transport[T] {
	out := make([]Transport[T], len(world))
	for i, ct := range world {
		out[i] = ct
	}
	return out
}
