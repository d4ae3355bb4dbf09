package acqstream

import (
	"errors"

	"github.com/norasector/acqstream/pkg/acqstream/command"
	"github.com/norasector/acqstream/pkg/acqstream/connector"
	"github.com/norasector/acqstream/pkg/fifftag"
	"github.com/norasector/acqstream/pkg/ringbuffer"
)

var (
	ErrUnknownConnector = errors.New("unknown connector")
	ErrAlreadyActive    = errors.New("a connector is already active")
	ErrNotActive        = errors.New("no connector is active")
	ErrNoneActive       = errors.New("no measurement info available")
	ErrShuttingDown     = errors.New("server is shutting down")
)

// Wire codes of ERR responses.
const (
	CodeMalformedCommand   = "MalformedCommand"
	CodeUnknownCommand     = "UnknownCommand"
	CodeUnknownConnector   = "UnknownConnector"
	CodeAlreadyActive      = "AlreadyActive"
	CodeNotActive          = "NotActive"
	CodeNoneActive         = "NoneActive"
	CodeConnectionError    = "ConnectionError"
	CodeBackendUnavailable = "BackendUnavailable"
	CodeBufferFull         = "BufferFull"
	CodeMalformedTag       = "MalformedTag"
	CodeInternal           = "Internal"
)

var codes = []struct {
	err  error
	code string
}{
	{command.ErrMalformedCommand, CodeMalformedCommand},
	{command.ErrUnknownCommand, CodeUnknownCommand},
	{ErrUnknownConnector, CodeUnknownConnector},
	{ErrAlreadyActive, CodeAlreadyActive},
	{ErrNotActive, CodeNotActive},
	{ErrNoneActive, CodeNoneActive},
	{connector.ErrBackendUnavailable, CodeBackendUnavailable},
	{connector.ErrConnection, CodeConnectionError},
	{ringbuffer.ErrBufferFull, CodeBufferFull},
	{fifftag.ErrMalformedTag, CodeMalformedTag},
	{command.ErrInternal, CodeInternal},
}

// Code classifies err into its wire code. Unclassified errors are Internal.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// FormatError renders err as the payload of an ERR response: the bare code
// for a sentinel, "Code: detail" for a wrapped error.
func FormatError(err error) string {
	code := Code(err)
	for _, c := range codes {
		if err == c.err {
			return code
		}
	}
	return code + ": " + err.Error()
}
