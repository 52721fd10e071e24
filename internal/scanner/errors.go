package scanner

import (
	"context"
	"errors"
	"fmt"

	"github.com/CodeMonkeyCybersecurity/scout/internal/core"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/probe"
)

// Error codes stored on a FAILED scan.
const (
	CodeTransportFailure  = "TRANSPORT_FAILURE"
	CodeConfigurationLoad = "CONFIGURATION_LOAD_FAILED"
	CodeDeadlineExceeded  = "DEADLINE_EXCEEDED"
	CodeScanCancelled     = "SCAN_CANCELLED"
)

// ErrApplicationNotFound is returned before any scan record is created.
var ErrApplicationNotFound = core.ErrApplicationNotFound

// ScanError is the structured cause of a failed application scan.
type ScanError struct {
	Code       string
	Message    string
	EndpointID string
	Err        error
}

func (e *ScanError) Error() string {
	if e.EndpointID == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: endpoint %s: %s", e.Code, e.EndpointID, e.Message)
}

func (e *ScanError) Unwrap() error { return e.Err }

// AsScanError extracts a *ScanError from err.
func AsScanError(err error) (*ScanError, bool) {
	var se *ScanError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// newScanError classifies err. A done scan context takes precedence over the
// error itself, since a probe interrupted by the deadline also surfaces as a
// transport failure.
func newScanError(ctx context.Context, endpointID, fallback string, err error) *ScanError {
	if se, ok := AsScanError(err); ok {
		return se
	}

	code := fallback
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		code = CodeDeadlineExceeded
	case errors.Is(ctx.Err(), context.Canceled):
		code = CodeScanCancelled
	case probe.IsTransportError(err):
		code = CodeTransportFailure
	}

	return &ScanError{
		Code:       code,
		Message:    err.Error(),
		EndpointID: endpointID,
		Err:        err,
	}
}
