package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/SkyatSpace/RapidCFD-dev/tensor"
	"go.uber.org/zap"
)

// Plan is a precomputed communication schedule over a buffer of shared point
// values. Distribute turns a local send buffer into the construct buffer in
// which every partition's copies of a point occupy their own slots;
// ReverseDistribute pushes construct slots back to their owners. Both are
// collective: every rank must call them in the same order.
type Plan[T any] interface {
	Distribute(ctx context.Context, buf []T, applyTransforms bool) ([]T, error)
	ReverseDistribute(ctx context.Context, size int, buf []T, applyTransforms bool) ([]T, error)
	// SendSize is the length of the buffer Distribute accepts
	SendSize() int
	// ConstructSize is the length of the buffer Distribute returns
	ConstructSize() int
}

// Schedule is the rank-local part of a MapDistribute
type Schedule struct {
	SendSize      int
	ConstructSize int

	// SubMap[p] lists send buffer positions shipped to rank p, in order
	SubMap [][]int
	// ConstructMap[p] lists construct buffer slots filled from rank p, in
	// the order rank p ships them
	ConstructMap [][]int
}

// Validate checks that every index lies inside its buffer
func (s *Schedule) Validate() error {
	if len(s.SubMap) != len(s.ConstructMap) {
		return fmt.Errorf("sub map covers %d ranks, construct map %d",
			len(s.SubMap), len(s.ConstructMap))
	}
	for p, idx := range s.SubMap {
		for _, i := range idx {
			if i < 0 || i >= s.SendSize {
				return fmt.Errorf("sub map index %d for rank %d outside send buffer of %d",
					i, p, s.SendSize)
			}
		}
	}
	for p, idx := range s.ConstructMap {
		for _, i := range idx {
			if i < 0 || i >= s.ConstructSize {
				return fmt.Errorf("construct map slot %d for rank %d outside construct buffer of %d",
					i, p, s.ConstructSize)
			}
		}
	}
	return nil
}

// ValidateSymmetry verifies that whenever rank p ships n values to rank q,
// rank q expects exactly n values from p
func ValidateSymmetry(schedules []*Schedule) error {
	for p, sp := range schedules {
		for q := range sp.SubMap {
			if q >= len(schedules) {
				return fmt.Errorf("rank %d sends to unknown rank %d", p, q)
			}
			sent := len(sp.SubMap[q])
			expected := len(schedules[q].ConstructMap[p])
			if sent != expected {
				return fmt.Errorf("count mismatch: rank %d sends %d to %d, but %d expects %d",
					p, sent, q, q, expected)
			}
		}
	}
	return nil
}

// TransformFunc reorients a value received through a transformed slot
type TransformFunc[T any] func(t tensor.Tensor, v T) T

// Option configures a MapDistribute
type Option func(*options)

type options struct {
	name   string
	logger *zap.Logger
}

// WithName labels the plan in message tags and logs
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger sets the logger used for exchange diagnostics
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// MapDistribute implements Plan over a Transport
type MapDistribute[T any] struct {
	schedule  Schedule
	transport Transport[T]
	name      string
	log       *zap.Logger

	// Slots whose received value must be reoriented when transforms are on
	transformSlots map[int]tensor.Tensor
	transform      TransformFunc[T]

	mu  sync.Mutex
	seq map[string]uint64 // per stream
}

var _ Plan[tensor.Vector] = (*MapDistribute[tensor.Vector])(nil)

// NewMapDistribute validates the schedule and binds it to a transport
func NewMapDistribute[T any](transport Transport[T], schedule Schedule, opts ...Option) (*MapDistribute[T], error) {
	o := options{name: "mapDistribute", logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if len(schedule.SubMap) != transport.Size() {
		return nil, fmt.Errorf("schedule covers %d ranks but transport has %d: %w",
			len(schedule.SubMap), transport.Size(), ErrTopology)
	}
	if err := schedule.Validate(); err != nil {
		return nil, fmt.Errorf("rank %d: invalid schedule: %w", transport.Rank(), err)
	}
	self := transport.Rank()
	if len(schedule.SubMap[self]) != len(schedule.ConstructMap[self]) {
		return nil, fmt.Errorf("rank %d: local sub map has %d entries, construct map %d: %w",
			self, len(schedule.SubMap[self]), len(schedule.ConstructMap[self]), ErrTopology)
	}
	return &MapDistribute[T]{
		schedule:  schedule,
		transport: transport,
		name:      o.name,
		log:       o.logger.With(zap.String("plan", o.name), zap.Int("rank", transport.Rank())),
		seq:       make(map[string]uint64),
	}, nil
}

// SetTransforms registers per-slot reorientation tensors. They are applied
// only when a caller passes applyTransforms=true.
func (md *MapDistribute[T]) SetTransforms(slots map[int]tensor.Tensor, fn TransformFunc[T]) {
	for slot := range slots {
		if slot < 0 || slot >= md.schedule.ConstructSize {
			panic(fmt.Sprintf("exchange: transformed slot %d outside construct buffer of %d",
				slot, md.schedule.ConstructSize))
		}
	}
	md.mu.Lock()
	defer md.mu.Unlock()
	md.transformSlots = slots
	md.transform = fn
}

func (md *MapDistribute[T]) SendSize() int { return md.schedule.SendSize }

func (md *MapDistribute[T]) ConstructSize() int { return md.schedule.ConstructSize }

// Schedule returns the rank-local schedule
func (md *MapDistribute[T]) Schedule() *Schedule { return &md.schedule }

// nextTag numbers the next call on the stream carried by ctx and snapshots
// the transforms it should apply
func (md *MapDistribute[T]) nextTag(ctx context.Context, reverse bool) (Tag, map[int]tensor.Tensor, TransformFunc[T]) {
	stream := StreamFrom(ctx)
	md.mu.Lock()
	defer md.mu.Unlock()
	md.seq[stream]++
	tag := Tag{Plan: md.name, Stream: stream, Seq: md.seq[stream], Reverse: reverse}
	return tag, md.transformSlots, md.transform
}

// Distribute ships buf[SubMap[p]] to every rank p and assembles the construct
// buffer from what the peers ship back
func (md *MapDistribute[T]) Distribute(ctx context.Context, buf []T, applyTransforms bool) ([]T, error) {
	s := &md.schedule
	if len(buf) != s.SendSize {
		panic(fmt.Sprintf("exchange: distribute buffer has %d values, schedule expects %d",
			len(buf), s.SendSize))
	}
	tag, slots, fn := md.nextTag(ctx, false)
	self := md.transport.Rank()

	// Post all sends first
	for p, idx := range s.SubMap {
		if p == self || len(idx) == 0 {
			continue
		}
		pack := make([]T, len(idx))
		for i, j := range idx {
			pack[i] = buf[j]
		}
		if err := md.transport.Send(ctx, p, tag, pack); err != nil {
			return nil, err
		}
	}

	out := make([]T, s.ConstructSize)
	for i, j := range s.SubMap[self] {
		out[s.ConstructMap[self][i]] = buf[j]
	}

	for p, slots := range s.ConstructMap {
		if p == self || len(slots) == 0 {
			continue
		}
		data, err := md.transport.Recv(ctx, p, tag)
		if err != nil {
			return nil, err
		}
		if len(data) != len(slots) {
			return nil, fmt.Errorf("rank %d: %s from %d carried %d values, expected %d: %w",
				self, tag, p, len(data), len(slots), ErrSizeMismatch)
		}
		for i, slot := range slots {
			out[slot] = data[i]
		}
	}

	if applyTransforms {
		if err := md.applyTransforms(out, slots, fn, false); err != nil {
			return nil, err
		}
	}

	md.log.Debug("distribute",
		zap.String("stream", tag.Stream),
		zap.Uint64("seq", tag.Seq),
		zap.Int("send", len(buf)),
		zap.Int("construct", len(out)),
		zap.Bool("transforms", applyTransforms))
	return out, nil
}

// ReverseDistribute ships construct slots back to the ranks that own them.
// The result has length size; positions no peer writes hold the zero value.
func (md *MapDistribute[T]) ReverseDistribute(ctx context.Context, size int, buf []T, applyTransforms bool) ([]T, error) {
	s := &md.schedule
	if len(buf) != s.ConstructSize {
		panic(fmt.Sprintf("exchange: reverse distribute buffer has %d values, schedule expects %d",
			len(buf), s.ConstructSize))
	}
	if size < s.SendSize {
		panic(fmt.Sprintf("exchange: reverse distribute size %d smaller than send size %d",
			size, s.SendSize))
	}
	tag, slots, fn := md.nextTag(ctx, true)
	self := md.transport.Rank()

	src := buf
	if applyTransforms && len(slots) > 0 {
		src = make([]T, len(buf))
		copy(src, buf)
		if err := md.applyTransforms(src, slots, fn, true); err != nil {
			return nil, err
		}
	}

	for p, slots := range s.ConstructMap {
		if p == self || len(slots) == 0 {
			continue
		}
		pack := make([]T, len(slots))
		for i, slot := range slots {
			pack[i] = src[slot]
		}
		if err := md.transport.Send(ctx, p, tag, pack); err != nil {
			return nil, err
		}
	}

	out := make([]T, size)
	for i, slot := range s.ConstructMap[self] {
		out[s.SubMap[self][i]] = src[slot]
	}

	for p, idx := range s.SubMap {
		if p == self || len(idx) == 0 {
			continue
		}
		data, err := md.transport.Recv(ctx, p, tag)
		if err != nil {
			return nil, err
		}
		if len(data) != len(idx) {
			return nil, fmt.Errorf("rank %d: %s from %d carried %d values, expected %d: %w",
				self, tag, p, len(data), len(idx), ErrSizeMismatch)
		}
		for i, j := range idx {
			out[j] = data[i]
		}
	}

	md.log.Debug("reverse distribute",
		zap.String("stream", tag.Stream),
		zap.Uint64("seq", tag.Seq),
		zap.Int("construct", len(buf)),
		zap.Int("size", size),
		zap.Bool("transforms", applyTransforms))
	return out, nil
}

// applyTransforms reorients transformed slots in place; inverse applies the
// transpose, which undoes a rotation
func (md *MapDistribute[T]) applyTransforms(buf []T, slots map[int]tensor.Tensor, fn TransformFunc[T], inverse bool) error {
	if len(slots) == 0 {
		return nil
	}
	if fn == nil {
		return fmt.Errorf("plan %s has transformed slots but no transform function", md.name)
	}
	for slot, t := range slots {
		if inverse {
			t = t.T()
		}
		buf[slot] = fn(t, buf[slot])
	}
	return nil
}
