package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/nsqio/go-nsq"
)

// DefaultChannel is the channel dead letter readers subscribe on. The
// #ephemeral suffix keeps nsqd from buffering for readers that have gone.
const DefaultChannel = "payhookctl#ephemeral"

// Decode parses a published dead letter.
func Decode(body []byte) (DeadLetter, error) {
	var dl DeadLetter
	if err := json.Unmarshal(body, &dl); err != nil {
		return DeadLetter{}, fmt.Errorf("decode dead letter: %w", err)
	}
	if dl.Type != DLQType {
		return DeadLetter{}, fmt.Errorf("decode dead letter: unexpected type %q", dl.Type)
	}
	return dl, nil
}

// Subscribe consumes dead letters from nsqd at addr until ctx is done.
// Messages that fail to decode are finished and skipped; an error from fn
// requeues the message.
func Subscribe(ctx context.Context, addr, topic, channel string, fn func(DeadLetter) error) error {
	if topic == "" {
		topic = DefaultTopic
	}
	if channel == "" {
		channel = DefaultChannel
	}
	consumer, err := nsq.NewConsumer(topic, channel, nsq.NewConfig())
	if err != nil {
		return fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.SetLoggerLevel(nsq.LogLevelWarning)
	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		dl, err := Decode(m.Body)
		if err != nil {
			return nil
		}
		return fn(dl)
	}))
	if err := consumer.ConnectToNSQD(addr); err != nil {
		return fmt.Errorf("connect nsqd %s: %w", addr, err)
	}

	select {
	case <-ctx.Done():
	case <-consumer.StopChan:
	}
	consumer.Stop()
	<-consumer.StopChan
	return nil
}

// TopicStats is the depth of one topic as reported by nsqd.
type TopicStats struct {
	Topic    string         `json:"topic"`
	Depth    int64          `json:"depth"`
	Channels []ChannelStats `json:"channels"`
}

type ChannelStats struct {
	Channel  string `json:"channel"`
	Depth    int64  `json:"depth"`
	InFlight int64  `json:"inFlight"`
}

// nsqd /stats?format=json
type nsqStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Depth     int64  `json:"depth"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// Stats reads the depth of topic from the nsqd HTTP API at httpAddr. A
// topic nsqd has never seen reports zero depth.
func Stats(ctx context.Context, client *http.Client, httpAddr, topic string) (TopicStats, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if topic == "" {
		topic = DefaultTopic
	}
	base := httpAddr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/stats?format=json&topic="+topic, nil)
	if err != nil {
		return TopicStats{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return TopicStats{}, fmt.Errorf("get nsq stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return TopicStats{}, fmt.Errorf("get nsq stats: status %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return TopicStats{}, fmt.Errorf("decode nsq stats: %w", err)
	}

	out := TopicStats{Topic: topic, Channels: []ChannelStats{}}
	for _, t := range stats.Topics {
		if t.TopicName != topic {
			continue
		}
		out.Depth = t.Depth
		for _, c := range t.Channels {
			out.Channels = append(out.Channels, ChannelStats{
				Channel:  c.ChannelName,
				Depth:    c.Depth,
				InFlight: c.InFlightCount,
			})
		}
	}
	return out, nil
}
