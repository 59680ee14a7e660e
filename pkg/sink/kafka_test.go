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

package sink_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/united-manufacturing-hub/bulkload/pkg/backoff"
	"github.com/united-manufacturing-hub/bulkload/pkg/config"
	"github.com/united-manufacturing-hub/bulkload/pkg/sink"
)

type ConnectFunc func(...kgo.Opt) error
type CloseFunc func() error
type ProduceFunc func(context.Context, []sink.Record) error
type TopicExistsFunc func(context.Context, string) (bool, int, error)
type CreateTopicFunc func(context.Context, string, int32, int16) error

type MockKafkaClient struct {
	mu sync.Mutex

	// Mock behaviours
	connectFunc     ConnectFunc
	closeFunc       CloseFunc
	produceFunc     ProduceFunc
	topicExistsFunc TopicExistsFunc
	createTopicFunc CreateTopicFunc

	// Fields for test observation
	produceCalls     int
	topicExistsCalls int
	createdTopics    []string
	produced         []sink.Record
}

var _ sink.MessagePublisher = (*MockKafkaClient)(nil)

func (m *MockKafkaClient) Connect(opts ...kgo.Opt) error {
	return m.connectFunc(opts...)
}

func (m *MockKafkaClient) Close() error {
	return m.closeFunc()
}

func (m *MockKafkaClient) ProduceSync(ctx context.Context, records []sink.Record) error {
	m.mu.Lock()
	m.produceCalls++
	m.mu.Unlock()
	if err := m.produceFunc(ctx, records); err != nil {
		return err
	}
	m.mu.Lock()
	m.produced = append(m.produced, records...)
	m.mu.Unlock()
	return nil
}

func (m *MockKafkaClient) CreateTopic(ctx context.Context, topic string, partitions int32, rf int16) error {
	m.mu.Lock()
	m.createdTopics = append(m.createdTopics, topic)
	m.mu.Unlock()
	return m.createTopicFunc(ctx, topic, partitions, rf)
}

func (m *MockKafkaClient) IsTopicExists(ctx context.Context, topic string) (bool, int, error) {
	m.mu.Lock()
	m.topicExistsCalls++
	m.mu.Unlock()
	return m.topicExistsFunc(ctx, topic)
}

func (m *MockKafkaClient) WithConnectFunc(f ConnectFunc)         { m.connectFunc = f }
func (m *MockKafkaClient) WithProduceFunc(f ProduceFunc)         { m.produceFunc = f }
func (m *MockKafkaClient) WithTopicExistsFunc(f TopicExistsFunc) { m.topicExistsFunc = f }
func (m *MockKafkaClient) WithCreateTopicFunc(f CreateTopicFunc) { m.createTopicFunc = f }

var _ = Describe("KafkaSink", func() {
	var (
		ctx        context.Context
		cancel     context.CancelFunc
		mockClient *MockKafkaClient
		cfg        config.KafkaSinkConfig
		users      sink.TableIdentifier
		emittedAt  time.Time
	)

	newSink := func() *sink.KafkaSink {
		s, err := sink.NewKafkaSinkWithClient(mockClient, cfg, zaptest.NewLogger(GinkgoT()).Sugar())
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		// Default mock behaviours for the happy path
		mockClient = &MockKafkaClient{
			connectFunc: func(...kgo.Opt) error { return nil },
			closeFunc:   func() error { return nil },
			produceFunc: func(_ context.Context, r []sink.Record) error {
				if len(r) == 0 {
					return errors.New("produceSync is called with empty records list")
				}
				return nil
			},
			topicExistsFunc: func(context.Context, string) (bool, int, error) { return false, 0, nil },
			createTopicFunc: func(context.Context, string, int32, int16) error { return nil },
		}
		cfg = config.KafkaSinkConfig{
			Brokers:         []string{"localhost:9092"},
			ClientID:        "test",
			TopicPrefix:     "bulk.",
			TopicPartitions: 3,
			Format:          sink.FormatJSON,
		}
		users = sink.TableIdentifier{Namespace: "public", Name: "users"}
		emittedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	})

	AfterEach(func() {
		cancel()
	})

	It("rejects unknown formats", func() {
		cfg.Format = "avro"
		_, err := sink.NewKafkaSinkWithClient(mockClient, cfg, nil)
		Expect(errors.Is(err, config.ErrInvalidConfiguration)).To(BeTrue())
	})

	It("reports connection errors", func() {
		mockClient.WithConnectFunc(func(...kgo.Opt) error {
			return errors.New("mock kafka client error: no valid seedbrokers")
		})
		err := newSink().Connect(ctx)
		Expect(err).To(MatchError(ContainSubstring("no valid seedbrokers")))
	})

	It("derives sanitized topic names from tables", func() {
		s := newSink()
		Expect(s.TopicFor(users)).To(Equal("bulk.public.users"))
		Expect(s.TopicFor(sink.TableIdentifier{Namespace: "my schema", Name: "näme/x"})).To(Equal("bulk.my_schema.n_me_x"))
	})

	It("creates a missing topic once", func() {
		s := newSink()
		Expect(s.EnsureTable(ctx, users)).To(Succeed())
		Expect(s.EnsureTable(ctx, users)).To(Succeed())
		Expect(mockClient.createdTopics).To(Equal([]string{"bulk.public.users"}))
		Expect(mockClient.topicExistsCalls).To(Equal(1))
	})

	It("uses an existing topic even with a different partition count", func() {
		mockClient.WithTopicExistsFunc(func(context.Context, string) (bool, int, error) { return true, 1, nil })
		s := newSink()
		Expect(s.EnsureTable(ctx, users)).To(Succeed())
		Expect(mockClient.createdTopics).To(BeEmpty())
	})

	It("surfaces topic creation failures", func() {
		mockClient.WithCreateTopicFunc(func(context.Context, string, int32, int16) error {
			return errors.New("not authorized")
		})
		Expect(newSink().EnsureTable(ctx, users)).To(MatchError(ContainSubstring("not authorized")))
	})

	It("produces one JSON record per row keyed by raw id", func() {
		s := newSink()
		rows := []sink.Row{
			{RawID: "a", EmittedAt: emittedAt, Data: map[string]any{"id": 1.0, "name": "ada"}},
			{RawID: "b", EmittedAt: emittedAt, Data: map[string]any{"id": 2.0, "name": nil},
				Changes: []sink.Change{{Field: "name", Change: sink.ChangeNulled, Reason: sink.ReasonSizeLimit}}},
		}
		Expect(s.Write(ctx, users, rows)).To(Succeed())

		Expect(mockClient.produced).To(HaveLen(2))
		first := mockClient.produced[0]
		Expect(first.Topic).To(Equal("bulk.public.users"))
		Expect(string(first.Key)).To(Equal("a"))
		Expect(string(first.Value)).To(MatchJSON(`{"id":1,"name":"ada"}`))
		Expect(string(first.Headers[sink.HeaderEmittedAt])).To(Equal("2024-05-01T12:00:00Z"))
		Expect(first.Headers).NotTo(HaveKey(sink.HeaderChanges))

		var changes []sink.Change
		Expect(json.Unmarshal(mockClient.produced[1].Headers[sink.HeaderChanges], &changes)).To(Succeed())
		Expect(changes).To(Equal(rows[1].Changes))
	})

	It("encodes rows as protobuf structs", func() {
		cfg.Format = sink.FormatProtobuf
		s := newSink()
		Expect(s.Write(ctx, users, []sink.Row{{RawID: "a", Data: map[string]any{"id": 7.0, "tags": []any{"x"}}}})).To(Succeed())

		var st structpb.Struct
		Expect(proto.Unmarshal(mockClient.produced[0].Value, &st)).To(Succeed())
		Expect(st.AsMap()).To(Equal(map[string]any{"id": 7.0, "tags": []any{"x"}}))
	})

	It("keeps integers beyond double precision in protobuf structs", func() {
		cfg.Format = sink.FormatProtobuf
		s := newSink()
		data := map[string]any{
			"id":    json.Number("9007199254740993"),
			"small": json.Number("1"),
			"ratio": json.Number("0.5"),
			"huge":  json.Number("123456789012345678901234567890"),
			"list":  []any{json.Number("-9007199254740995")},
		}
		Expect(s.Write(ctx, users, []sink.Row{{RawID: "a", Data: data}})).To(Succeed())

		var st structpb.Struct
		Expect(proto.Unmarshal(mockClient.produced[0].Value, &st)).To(Succeed())
		Expect(st.AsMap()).To(Equal(map[string]any{
			"id":    "9007199254740993",
			"small": 1.0,
			"ratio": 0.5,
			"huge":  "123456789012345678901234567890",
			"list":  []any{"-9007199254740995"},
		}))
	})

	It("writes decoded numbers as their literal digits in JSON", func() {
		s := newSink()
		data := map[string]any{"id": json.Number("9007199254740993")}
		Expect(s.Write(ctx, users, []sink.Row{{RawID: "a", Data: data}})).To(Succeed())
		Expect(string(mockClient.produced[0].Value)).To(Equal(`{"id":9007199254740993}`))
	})

	It("marks unencodable rows as permanent failures", func() {
		s := newSink()
		err := s.Write(ctx, users, []sink.Row{{RawID: "a", Data: map[string]any{"v": math.Inf(1)}}})
		Expect(err).To(HaveOccurred())

		m := backoff.NewBackoffManager(backoff.DefaultConfig("test", nil))
		Expect(m.SetError(err)).To(BeTrue())
		Expect(mockClient.produceCalls).To(Equal(0))
	})

	It("returns produce errors so the batch can be retried", func() {
		mockClient.WithProduceFunc(func(context.Context, []sink.Record) error {
			return errors.New("leader not available")
		})
		err := newSink().Write(ctx, users, []sink.Row{{RawID: "a", Data: map[string]any{}}})
		Expect(err).To(MatchError(ContainSubstring("leader not available")))
	})

	It("skips empty batches", func() {
		Expect(newSink().Write(ctx, users, nil)).To(Succeed())
		Expect(mockClient.produceCalls).To(Equal(0))
	})
})
