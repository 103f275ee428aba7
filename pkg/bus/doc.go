/*
Package bus attaches the service to its AMQP message bus.

Consumer owns the session lifecycle: it declares the topic exchange,
queue and bindings, fans deliveries out to a worker pool, and reconnects
with bounded-exponential backoff when the session dies. Adapter layers
request dispatch on top: it parses the message envelope, routes create
and operation requests into a Handler, and sends exactly one response or
error reply per delivery. Deliveries are acked after processing, so the
contract with the broker is at-least-once.
*/
package bus
