package main

const (
	CodeInvalidRequest   = "invalid_request"
	CodeInvalidImage     = "invalid_image"
	CodeCapacity         = "capacity_exceeded"
	CodeScenarioMismatch = "scenario_mismatch"
	CodeNotReady         = "not_ready"
	CodeTimeout          = "timeout"
	CodeProcessing       = "processing_error"
)

const (
	MsgNoSamples = "The request carries no samples. Send at least one base64 encoded image in \"samples\"."

	MsgTooManySamples = "Only one sample can be sent to this endpoint."

	MsgCapacity = "All inference slots are busy. Retry the request after in-flight work completes."

	MsgNotReady = "The model is still loading."
)
