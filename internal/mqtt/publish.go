package mqtt

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/cognitive-radio-sim/internal/logging"
)

func validatePublish(topic string, payload []byte, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	return nil
}

// Publish sends payload and waits for the broker acknowledgement.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := validatePublish(topic, payload, qos); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// PublishAsync hands payload to paho without waiting. Validation and
// connection errors are returned; delivery failures are logged.
func (c *Client) PublishAsync(topic string, payload []byte, qos byte, retained bool) error {
	if err := validatePublish(topic, payload, qos); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	go func() {
		if !token.WaitTimeout(defaultPublishTimeout) {
			c.log.Warn(context.Background(), "mqtt publish timed out",
				logging.String("topic", topic),
			)
			return
		}
		if err := token.Error(); err != nil {
			c.log.Warn(context.Background(), "mqtt publish failed",
				logging.String("topic", topic),
				logging.Err(err),
			)
		}
	}()
	return nil
}
