// Package archive 把已落库的消息异步投递到 Kafka，供分析等下游消费。
package archive

import (
	"encoding/json"
	"sync"
	"time"

	"chatgateway/internal/metrics"
	"chatgateway/internal/models"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"
)

// NewSaramaConfig 返回归档生产者配置：按 room_id 哈希分区，保证同一房间有序。
func NewSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_8_0_0
	cfg.ClientID = "chat-gateway"
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Flush.Frequency = 200 * time.Millisecond
	cfg.Producer.Interceptors = []sarama.ProducerInterceptor{headerInterceptor{}}
	return cfg
}

// headerInterceptor 给每条记录打上来源与格式头。
type headerInterceptor struct{}

func (headerInterceptor) OnSend(msg *sarama.ProducerMessage) {
	msg.Headers = append(msg.Headers,
		sarama.RecordHeader{Key: []byte("producer"), Value: []byte("chat-gateway")},
		sarama.RecordHeader{Key: []byte("content-type"), Value: []byte("application/json")},
	)
}

type record struct {
	ID               string    `json:"id"`
	RoomID           string    `json:"room_id"`
	SenderID         string    `json:"sender_id"`
	Role             string    `json:"role"`
	Message          string    `json:"message"`
	CreatedAt        time.Time `json:"created_at"`
	ResponseCategory *string   `json:"response_category,omitempty"`
	Latency          *float64  `json:"latency,omitempty"`
	InputTokens      *int      `json:"input_tokens,omitempty"`
	OutputTokens     *int      `json:"output_tokens,omitempty"`
	TotalTokens      *int      `json:"total_tokens,omitempty"`
	ToolsCalled      []string  `json:"tools_called,omitempty"`
}

// Archiver 实现 service.ChatSink。Emit 不阻塞，生产者缓冲区满时丢弃并计数。
type Archiver struct {
	producer sarama.AsyncProducer
	topic    string

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func New(brokers []string, topic string) (*Archiver, error) {
	p, err := sarama.NewAsyncProducer(brokers, NewSaramaConfig())
	if err != nil {
		return nil, err
	}
	return NewWithProducer(p, topic), nil
}

func NewWithProducer(p sarama.AsyncProducer, topic string) *Archiver {
	a := &Archiver{producer: p, topic: topic}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for err := range p.Errors() {
			metrics.ArchiveDroppedTotal.Inc()
			log.Warn().Err(err.Err).Str("topic", err.Msg.Topic).Msg("archive produce failed")
		}
	}()
	return a
}

func (a *Archiver) Emit(c models.Chat) {
	b, err := json.Marshal(record{
		ID:               c.ID,
		RoomID:           c.RoomID,
		SenderID:         c.SenderID,
		Role:             c.Role,
		Message:          c.Message,
		CreatedAt:        c.CreatedAt,
		ResponseCategory: c.ResponseCategory,
		Latency:          c.Latency,
		InputTokens:      c.InputTokens,
		OutputTokens:     c.OutputTokens,
		TotalTokens:      c.TotalTokens,
		ToolsCalled:      c.ToolsCalled,
	})
	if err != nil {
		metrics.ArchiveDroppedTotal.Inc()
		return
	}
	msg := &sarama.ProducerMessage{
		Topic:     a.topic,
		Key:       sarama.StringEncoder(c.RoomID),
		Value:     sarama.ByteEncoder(b),
		Timestamp: c.CreatedAt,
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		metrics.ArchiveDroppedTotal.Inc()
		return
	}
	select {
	case a.producer.Input() <- msg:
	default:
		metrics.ArchiveDroppedTotal.Inc()
		log.Warn().Str("room_id", c.RoomID).Msg("archive buffer full, dropping chat")
	}
}

// Close 刷出缓冲中的消息后关闭生产者。
func (a *Archiver) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	err := a.producer.Close()
	a.wg.Wait()
	return err
}
