/*
Package bus holds the transport-agnostic contracts of the parking message bus:
the flat JSON Envelope, queue- and topic-style Addresses, Bindings, Deliveries
with explicit acknowledgement, and the Transport interface every adapter implements.
*/
package bus
