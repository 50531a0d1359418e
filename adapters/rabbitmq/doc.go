/*
Package rabbitmq provides the RabbitMQ transport for the parking bus.
It maps Publish onto AMQP basic.publish with publisher confirms, runs one serial
consumer loop per binding with manual acknowledgement, declares exclusive RPC reply
queues, reconnects with backoff, and supports optional header propagation via a
bus.HeaderPropagator.
*/
package rabbitmq
