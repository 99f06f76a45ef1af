package broker

import (
	"errors"
	"fmt"

	"github.com/streadway/amqp"
)

var errBrokerClosed = errors.New("broker is closed")

type pooledChannel struct {
	channel     amqpChannel
	notifyClose chan *amqp.Error
}

func (r *rabbitMqBroker) newConnection() (amqpConnection, error) {
	conn, err := dialAmqp(r.settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	// Set up a channel to handle connection close notifications
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		for err := range notifyClose {
			r.logger.WithError(err).Warn("RabbitMQ connection closed")
		}
	}()

	return conn, nil
}

func newPooledChannel(conn amqpConnection) (*pooledChannel, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	return &pooledChannel{
		channel:     channel,
		notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

func (r *rabbitMqBroker) connectAndInitialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errBrokerClosed
	}

	// Close existing connection if it exists
	if r.connection != nil && !r.connection.IsClosed() {
		r.connection.Close()
	}

	connection, err := r.newConnection()
	if err != nil {
		return err
	}
	r.connection = connection

	// Channels of the previous connection are unusable
	r.drainPool()

	for i := 0; i < r.settings.PoolSize; i++ {
		pooledChan, err := newPooledChannel(connection)
		if err != nil {
			return err
		}
		r.channelPool <- pooledChan
	}

	r.logger.WithField("pool_size", r.settings.PoolSize).Info("RabbitMQ connection and channel pool initialized")
	return nil
}

// drainPool closes every idle channel. Callers hold r.mu.
func (r *rabbitMqBroker) drainPool() {
	for {
		select {
		case pooledChan := <-r.channelPool:
			pooledChan.channel.Close()
		default:
			return
		}
	}
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			r.mu.Lock()
			lost := r.connection == nil || r.connection.IsClosed()
			r.mu.Unlock()
			if lost {
				r.logger.Info("Attempting to reconnect to RabbitMQ")
				if err := r.connectAndInitialize(); err != nil {
					r.logger.WithError(err).Warn("Failed to reconnect to RabbitMQ")
				} else {
					r.logger.Info("Reconnected to RabbitMQ successfully")
				}
			}
		case <-r.stopReconnect:
			r.logger.Debug("Stopping RabbitMQ connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	for {
		select {
		case pooledChan := <-r.channelPool:
			select {
			case err := <-pooledChan.notifyClose:
				r.logger.WithError(err).Debug("Discarding closed channel")
				continue
			default:
				return pooledChan, nil
			}
		default:
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.closed {
				return nil, errBrokerClosed
			}
			if r.connection == nil || r.connection.IsClosed() {
				return nil, errors.New("RabbitMQ connection is not available")
			}
			r.logger.Debug("Creating new channel")
			return newPooledChannel(r.connection)
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	select {
	case err := <-pooledChan.notifyClose:
		r.logger.WithError(err).Debug("Discarding closed channel")
		return
	default:
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		pooledChan.channel.Close()
		return
	}

	select {
	case r.channelPool <- pooledChan:
	default:
		// Pool is full, close the channel
		pooledChan.channel.Close()
	}
}
