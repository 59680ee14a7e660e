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

package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Record is a message to be produced to kafka
type Record struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string][]byte
}

type Producer interface {
	ProduceSync(context.Context, []Record) error
}

type Admin interface {
	// IsTopicExists checks if a topic exists in the broker. If it exists, its partition count is returned as the second value, otherwise 0
	IsTopicExists(context.Context, string) (bool, int, error)
	// CreateTopic creates a topic with the given number of partitions and replication factor
	CreateTopic(context.Context, string, int32, int16) error
}

type MessagePublisher interface {
	Connect(...kgo.Opt) error
	Close() error
	Producer
	Admin
}

// Client is a wrapper for franz-go kafka client
type Client struct {
	client      *kgo.Client
	adminClient *kadm.Client
}

// NewClient initializes the franz-go client
func NewClient() MessagePublisher {
	return &Client{}
}

// Connect connects to the seed brokers with the given kafka client options
func (k *Client) Connect(opts ...kgo.Opt) error {
	var err error
	k.client, err = kgo.NewClient(opts...)
	if err != nil {
		return err
	}

	k.adminClient = kadm.NewClient(k.client)
	return nil
}

// Close closes the underlying franz-go kafka client
func (k *Client) Close() error {
	if k.client != nil {
		// franz-go client.Close() never returns an error
		k.client.Close()
	}
	return nil
}

// ProduceSync produces a batch and waits until every record is acknowledged
func (k *Client) ProduceSync(ctx context.Context, records []Record) error {
	if k.client == nil {
		return errors.New("attempt to produce using a nil kafka client")
	}

	kgoRecords := make([]*kgo.Record, 0, len(records))
	for _, r := range records {
		kgoRecord := &kgo.Record{
			Topic: r.Topic,
			Key:   r.Key,
			Value: r.Value,
		}

		if len(r.Headers) > 0 {
			recordHeaders := make([]kgo.RecordHeader, 0, len(r.Headers))
			for k, v := range r.Headers {
				recordHeaders = append(recordHeaders, kgo.RecordHeader{Key: k, Value: v})
			}
			kgoRecord.Headers = recordHeaders
		}

		kgoRecords = append(kgoRecords, kgoRecord)
	}

	return k.client.ProduceSync(ctx, kgoRecords...).FirstErr()
}

func (k *Client) IsTopicExists(ctx context.Context, topic string) (bool, int, error) {
	if k.adminClient == nil {
		return false, 0, errors.New("attempt to list topics using a nil kafka client")
	}
	topicDetails, err := k.adminClient.ListTopics(ctx, topic)
	if err != nil {
		return false, 0, err
	}

	for _, td := range topicDetails {
		if td.Topic == topic && td.Err == nil {
			return true, len(td.Partitions.Numbers()), nil
		}
	}

	return false, 0, nil
}

func (k *Client) CreateTopic(ctx context.Context, topic string, partitions int32, replicationFactor int16) error {
	if partitions < 1 {
		return fmt.Errorf("invalid partition count %d specified to create topic %s", partitions, topic)
	}

	if topic == "" {
		return errors.New("empty topic name specified for topic creation")
	}

	cleanupPolicy := "delete"
	configs := map[string]*string{
		"cleanup.policy": &cleanupPolicy,
	}
	resp, err := k.adminClient.CreateTopic(ctx, partitions, replicationFactor, configs, topic)
	if err != nil {
		return err
	}

	if resp.Err != nil {
		return resp.Err
	}

	return nil
}
