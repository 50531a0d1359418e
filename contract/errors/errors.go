package errors

// Error codes for the bus contracts. Keep stable; used across adapters, rpc and workers.
const (
	ErrCodeHandlerExists       = "servicebus.handler_exists"
	ErrCodeHandlerNotFound     = "servicebus.handler_not_found"
	ErrCodePublishFailed       = "servicebus.publish_failed"
	ErrCodeSerializationFailed = "servicebus.serialization_failed"
	ErrCodeTransport           = "servicebus.transport_unavailable"
	ErrCodeTimeout             = "servicebus.timeout"
	ErrCodeValidation          = "servicebus.validation_failed"
	ErrCodeDataStore           = "servicebus.datastore_failed"
	ErrCodeAlreadySettled      = "servicebus.delivery_already_settled"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrHandlerExists       = Code(ErrCodeHandlerExists)
	ErrHandlerNotFound     = Code(ErrCodeHandlerNotFound)
	ErrPublishFailed       = Code(ErrCodePublishFailed)
	ErrSerializationFailed = Code(ErrCodeSerializationFailed)
	ErrAlreadySettled      = Code(ErrCodeAlreadySettled)

	// ErrTransport marks a broker that is unreachable or a connection that was lost.
	// Durable messages already queued are not lost; callers reconnect and retry.
	ErrTransport = Code(ErrCodeTransport)
	// ErrTimeout marks an RPC call that received no matching reply before its deadline.
	ErrTimeout = Code(ErrCodeTimeout)
	// ErrValidation marks a malformed payload. Such messages are dead-lettered, never retried.
	ErrValidation = Code(ErrCodeValidation)
	// ErrDataStore marks a record store lookup/insert failure. Such messages are requeued.
	ErrDataStore = Code(ErrCodeDataStore)
)
