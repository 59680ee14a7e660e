// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/bulkload/pkg/config"
	"github.com/united-manufacturing-hub/bulkload/pkg/pipeline"
	"github.com/united-manufacturing-hub/bulkload/pkg/queue"
)

type item struct {
	key int
	seq int
}

type funcHandler[In, Out any] struct {
	handle func(ctx context.Context, in In, emit pipeline.Emit[Out]) error
	finish func(ctx context.Context, emit pipeline.Emit[Out]) error
}

func (h funcHandler[In, Out]) Handle(ctx context.Context, in In, emit pipeline.Emit[Out]) error {
	return h.handle(ctx, in, emit)
}

func (h funcHandler[In, Out]) Finish(ctx context.Context, emit pipeline.Emit[Out]) error {
	if h.finish == nil {
		return nil
	}
	return h.finish(ctx, emit)
}

func passThrough(name string, lanes int, in queue.Consumer[item], out queue.Publisher[item]) *pipeline.Step[item, item] {
	return &pipeline.Step[item, item]{
		Name:       name,
		NumWorkers: lanes,
		Input:      in,
		Output:     out,
		NewHandler: func(int) (pipeline.Handler[item, item], error) {
			return funcHandler[item, item]{handle: func(ctx context.Context, in item, emit pipeline.Emit[item]) error {
				return emit(ctx, in)
			}}, nil
		},
	}
}

// collector is a terminal stage recording what each lane saw
type collector struct {
	mu    sync.Mutex
	lanes map[int][]item
}

func (c *collector) step(lanes int, in queue.Consumer[item]) *pipeline.Step[item, struct{}] {
	return &pipeline.Step[item, struct{}]{
		Name:       "collect",
		NumWorkers: lanes,
		Input:      in,
		NewHandler: func(lane int) (pipeline.Handler[item, struct{}], error) {
			return funcHandler[item, struct{}]{handle: func(_ context.Context, in item, _ pipeline.Emit[struct{}]) error {
				c.mu.Lock()
				defer c.mu.Unlock()
				c.lanes[lane] = append(c.lanes[lane], in)
				return nil
			}}, nil
		},
	}
}

func newQueue(lanes, capacity int) *queue.PartitionedQueue[item] {
	q, err := queue.NewPartitionedQueue[item](lanes, capacity)
	Expect(err).NotTo(HaveOccurred())
	return q
}

var _ = Describe("Step", func() {
	It("rejects a worker count that differs from the input lanes", func() {
		_, err := pipeline.New(nil, passThrough("s", 2, newQueue(3, 1), newQueue(2, 1)))
		Expect(err).To(MatchError(config.ErrInvalidConfiguration))
	})

	It("rejects a worker count that differs from the output lanes", func() {
		_, err := pipeline.New(nil, passThrough("s", 3, newQueue(3, 1), newQueue(2, 1)))
		Expect(err).To(MatchError(config.ErrInvalidConfiguration))
	})

	It("rejects zero workers", func() {
		_, err := pipeline.New(nil, passThrough("s", 0, newQueue(1, 1), nil))
		Expect(err).To(MatchError(config.ErrInvalidConfiguration))
	})

	It("rejects an empty pipeline", func() {
		_, err := pipeline.New(nil)
		Expect(err).To(MatchError(config.ErrInvalidConfiguration))
	})

	It("binds tasks to their lane", func() {
		s := passThrough("s", 3, newQueue(3, 1), newQueue(3, 1))
		t, err := s.TaskForPartition(2)
		Expect(err).NotTo(HaveOccurred())
		Expect(t.Partition()).To(Equal(2))

		_, err = s.TaskForPartition(3)
		Expect(err).To(MatchError(queue.ErrPartitionOutOfRange))
	})
})

var _ = Describe("Pipeline", func() {
	var ctx context.Context

	BeforeEach(func() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		DeferCleanup(cancel)
	})

	It("keeps the order of every lane across stages", func() {
		const lanes, keys, perKey = 4, 8, 200
		head, mid, tail := newQueue(lanes, 2), newQueue(lanes, 3), newQueue(lanes, 1)
		c := &collector{lanes: map[int][]item{}}

		p, err := pipeline.New(zaptest.NewLogger(GinkgoT()).Sugar(),
			passThrough("first", lanes, head, mid),
			passThrough("second", lanes, mid, tail),
			c.step(lanes, tail),
		)
		Expect(err).NotTo(HaveOccurred())

		done := make(chan error, 1)
		go func() { done <- p.Run(ctx) }()

		for seq := range perKey {
			for key := range keys {
				Expect(head.Publish(ctx, item{key: key, seq: seq}, key%lanes)).To(Succeed())
			}
		}
		head.Close()
		Eventually(done, 5*time.Second).Should(Receive(BeNil()))

		total := 0
		for lane, items := range c.lanes {
			last := map[int]int{}
			for _, it := range items {
				Expect(it.key % lanes).To(Equal(lane))
				if prev, ok := last[it.key]; ok {
					Expect(it.seq).To(Equal(prev + 1))
				}
				last[it.key] = it.seq
			}
			total += len(items)
		}
		Expect(total).To(Equal(keys * perKey))
		Expect(mid.IsClosed()).To(BeTrue())
		Expect(tail.IsClosed()).To(BeTrue())
	})

	It("lets handlers emit from Finish after the lane drained", func() {
		head, tail := newQueue(1, 4), newQueue(1, 4)
		c := &collector{lanes: map[int][]item{}}
		summing := &pipeline.Step[item, item]{
			Name:       "sum",
			NumWorkers: 1,
			Input:      head,
			Output:     tail,
			NewHandler: func(int) (pipeline.Handler[item, item], error) {
				sum := 0
				return funcHandler[item, item]{
					handle: func(_ context.Context, in item, _ pipeline.Emit[item]) error {
						sum += in.seq
						return nil
					},
					finish: func(ctx context.Context, emit pipeline.Emit[item]) error {
						return emit(ctx, item{seq: sum})
					},
				}, nil
			},
		}
		p, err := pipeline.New(nil, summing, c.step(1, tail))
		Expect(err).NotTo(HaveOccurred())

		for i := range 4 {
			Expect(head.Publish(ctx, item{seq: i + 1}, 0)).To(Succeed())
		}
		head.Close()
		Expect(p.Run(ctx)).To(Succeed())
		Expect(c.lanes[0]).To(Equal([]item{{seq: 10}}))
	})

	It("stops every stage when one task fails", func() {
		head, tail := newQueue(2, 1), newQueue(2, 1)
		boom := errors.New("boom")
		failing := &pipeline.Step[item, struct{}]{
			Name:       "failing",
			NumWorkers: 2,
			Input:      tail,
			NewHandler: func(int) (pipeline.Handler[item, struct{}], error) {
				return funcHandler[item, struct{}]{handle: func(context.Context, item, pipeline.Emit[struct{}]) error {
					return boom
				}}, nil
			},
		}
		p, err := pipeline.New(nil, passThrough("first", 2, head, tail), failing)
		Expect(err).NotTo(HaveOccurred())

		done := make(chan error, 1)
		go func() { done <- p.Run(ctx) }()

		Expect(head.Publish(ctx, item{}, 0)).To(Succeed())

		var runErr error
		Eventually(done, 5*time.Second).Should(Receive(&runErr))
		Expect(runErr).To(MatchError(boom))
		Expect(tail.IsClosed()).To(BeTrue())
	})

	It("ends on cancellation without a closed input", func() {
		head := newQueue(1, 1)
		c := &collector{lanes: map[int][]item{}}
		p, err := pipeline.New(nil, c.step(1, head))
		Expect(err).NotTo(HaveOccurred())

		cctx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- p.Run(cctx) }()

		Consistently(done, 100*time.Millisecond).ShouldNot(Receive())
		cancel()
		Eventually(done, 5*time.Second).Should(Receive(MatchError(context.Canceled)))
	})
})
