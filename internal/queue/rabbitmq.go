package queue

import (
	"log"

	"github.com/streadway/amqp"
)

const maxDeliveryRetries = 3

// RabbitMQQueue implements Queue on a durable RabbitMQ queue with
// manual acks. Failed deliveries are republished with an incremented
// x-retry-count header and dropped after maxDeliveryRetries.
type RabbitMQQueue struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewRabbitMQQueue(url string) (*RabbitMQQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	// One unacked message per consumer: tasks run in parallel across
	// worker instances, never within one.
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &RabbitMQQueue{conn: conn, ch: ch}, nil
}

func (q *RabbitMQQueue) Close() {
	q.ch.Close()
	q.conn.Close()
}

func (q *RabbitMQQueue) declare(topic string) (amqp.Queue, error) {
	return q.ch.QueueDeclare(
		topic,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
}

func (q *RabbitMQQueue) Publish(topic string, payload []byte) error {
	return q.publish(topic, payload, 0)
}

func (q *RabbitMQQueue) publish(topic string, payload []byte, retryCount int32) error {
	dq, err := q.declare(topic)
	if err != nil {
		return err
	}

	return q.ch.Publish(
		"",
		dq.Name,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         payload,
			Headers:      amqp.Table{"x-retry-count": retryCount},
		},
	)
}

func (q *RabbitMQQueue) Subscribe(topic string, handler func(payload []byte) error) error {
	dq, err := q.declare(topic)
	if err != nil {
		return err
	}

	msgs, err := q.ch.Consume(
		dq.Name,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			if err := handler(d.Body); err != nil {
				retryCount := headerRetryCount(d.Headers)
				if retryCount < maxDeliveryRetries {
					if pubErr := q.publish(topic, d.Body, retryCount+1); pubErr != nil {
						log.Println("⚠️ Failed to requeue message:", pubErr)
						d.Nack(false, true) // fall back to broker requeue
						continue
					}
				} else {
					log.Printf("⚠️ Dropping message after %d attempts: %v\n", maxDeliveryRetries, err)
				}
			}
			d.Ack(false)
		}
	}()

	return nil
}

func headerRetryCount(headers amqp.Table) int32 {
	switch v := headers["x-retry-count"].(type) {
	case int32:
		return v
	case int64:
		return int32(v)
	case int:
		return int32(v)
	default:
		return 0
	}
}
