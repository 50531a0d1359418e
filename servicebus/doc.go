/*
Package servicebus provides the worker harness every parking service runs on.
A Worker owns a dispatch table keyed by bound queue, decodes each delivery,
runs the handler through its middleware chain, publishes the reply and any
forwarded events, and only then acknowledges. Failures are settled explicitly:
requeued for transient causes, dead-lettered for malformed input.
*/
package servicebus
