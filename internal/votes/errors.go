package votes

import (
	"fmt"
	"time"
)

// ErrorKind classifies an ExtractionError.
type ErrorKind int

const (
	// ErrTimeout means the model did not answer within the invoker's deadline.
	ErrTimeout ErrorKind = iota + 1
	// ErrMalformedResponse means the answer was not JSON or did not match the schema.
	ErrMalformedResponse
	// ErrProvider covers transport, auth, quota and cancellation failures.
	ErrProvider
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTimeout:
		return "timeout"
	case ErrMalformedResponse:
		return "malformed_response"
	case ErrProvider:
		return "provider_error"
	default:
		return "unknown"
	}
}

// MaxRawExcerpt bounds how much of a bad response is kept on an ExtractionError.
const MaxRawExcerpt = 500

// ExtractionError reports a failed model invocation.
type ExtractionError struct {
	Kind        ErrorKind
	FormSetName string
	Elapsed     time.Duration
	// Raw is a truncated excerpt of the response, set for ErrMalformedResponse.
	Raw string
	Err error
}

func (e *ExtractionError) Error() string {
	switch e.Kind {
	case ErrTimeout:
		return fmt.Sprintf("extraction of %q timed out after %s", e.FormSetName, e.Elapsed.Round(time.Millisecond))
	case ErrMalformedResponse:
		return fmt.Sprintf("extraction of %q returned a malformed response: %v", e.FormSetName, e.Err)
	default:
		return fmt.Sprintf("extraction of %q failed: %v", e.FormSetName, e.Err)
	}
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Truncate cuts s to at most MaxRawExcerpt bytes without splitting a UTF-8 sequence.
func Truncate(s string) string {
	if len(s) <= MaxRawExcerpt {
		return s
	}
	cut := MaxRawExcerpt
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}

// ImageDecodeError reports an image that could not be read. Index is -1 when
// the request carried no images at all.
type ImageDecodeError struct {
	Index int
	Ref   string
	Err   error
}

func (e *ImageDecodeError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("no images: %v", e.Err)
	}
	if e.Ref != "" {
		return fmt.Sprintf("image %d (%s) could not be decoded: %v", e.Index, e.Ref, e.Err)
	}
	return fmt.Sprintf("image %d could not be decoded: %v", e.Index, e.Err)
}

func (e *ImageDecodeError) Unwrap() error {
	return e.Err
}

// ErrorType names the error class for span annotations.
func (e *ExtractionError) ErrorType() string {
	return e.Kind.String()
}

// ErrorType names the error class for span annotations.
func (e *ImageDecodeError) ErrorType() string {
	return "image_decode"
}
