package acq

import (
	"errors"
	"fmt"

	"github.com/nasa-jpl/confocal/daqmx"
	"go.uber.org/zap"
)

var (
	// ErrConfiguration is an invalid channel, range, mode or call order.
	// It is fatal for the operation and never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrHardwareBusy means a resource is owned by another live handle
	ErrHardwareBusy = errors.New("hardware busy")

	// ErrTimeout means the hardware did not complete within the budget.
	// The affected task must be stopped and cleared before reuse.
	ErrTimeout = errors.New("timeout")

	// ErrDataLoss means unread samples were overwritten in a circular buffer
	ErrDataLoss = errors.New("data loss")

	// ErrDriverFailure is any other failure reported by the driver
	ErrDriverFailure = errors.New("driver failure")

	// ErrOutOfRange is a position or voltage outside its configured range.
	// It is a configuration error.
	ErrOutOfRange = fmt.Errorf("%w: out of range", ErrConfiguration)
)

// DriverError is a failed driver call, classified into the error taxonomy
type DriverError struct {
	// Kind is one of the Err* sentinels of this package
	Kind error

	// Status is the vendor status code
	Status int

	// Procedure is the driver call that failed
	Procedure string

	// Message is the vendor description of Status
	Message string

	err error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("%s: %s returned status %d (%s)", e.Kind, e.Procedure, e.Status, e.Message)
}

// Is makes errors.Is(err, ErrTimeout) and friends work
func (e *DriverError) Is(target error) bool {
	return target == e.Kind
}

// Unwrap returns the underlying driver error
func (e *DriverError) Unwrap() error {
	return e.err
}

// classify maps a vendor status code to the error taxonomy
func classify(code int) error {
	switch code {
	case daqmx.CodeResourceReserved:
		return ErrHardwareBusy
	case daqmx.CodeWaitTimeout, daqmx.CodeReadTimeout:
		return ErrTimeout
	case daqmx.CodeSamplesNotAvailable:
		return ErrDataLoss
	case daqmx.CodePhysicalChannelNotExist, daqmx.CodeInvalidAttributeValue,
		daqmx.CodeInvalidTiming, daqmx.CodeDeviceNotFound, daqmx.CodeRouteFailed,
		daqmx.CodeChannelCountMismatch:
		return ErrConfiguration
	default:
		return ErrDriverFailure
	}
}

// wrap classifies a driver error and logs the vendor status.
// It returns nil for a nil err.
func wrap(log *zap.Logger, err error, procedure string) error {
	if err == nil {
		return nil
	}
	de := &DriverError{Kind: ErrDriverFailure, Procedure: procedure, Message: err.Error(), err: err}
	var ve *daqmx.Error
	if errors.As(err, &ve) {
		de.Kind = classify(ve.Code)
		de.Status = ve.Code
		de.Message = ve.Message
	}
	log.Warn("driver call failed",
		zap.String("procedure", procedure),
		zap.Int("status", de.Status),
		zap.String("vendor_status", de.Message),
		zap.String("kind", de.Kind.Error()))
	return de
}

// configErr builds an ErrConfiguration with context
func configErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
