// Package errors turns failures raised anywhere in the request pipeline into
// RFC 7807 problem responses with a stable error_code classification.
//
// Stages that terminate a request call WriteError with one of the predefined
// APIError values. Everything else, including panics, reaches the
// ErrorHandler middleware and is classified by Classify: context errors
// become TIMEOUT, errors reporting Retryable() become SERVICE_UNAVAILABLE
// with retryable set, and anything unrecognised becomes INTERNAL_ERROR.
package errors
