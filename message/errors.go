package message

import (
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrTimeout            = errors.New("response did not arrive on time")
	ErrTargetUnavailable  = errors.New("target silo became unavailable")
	ErrRejected           = errors.New("request rejected")
	ErrTransientRejection = errors.New("transient rejection")
	ErrOverloaded         = errors.New("target overloaded")
	ErrPermanentRejection = errors.New("permanent rejection")
	ErrGatewayTooBusy     = errors.New("gateway too busy")
	ErrUnexpectedResponse = errors.New("unexpected response")
)

const noRejectionInfo = "Unable to send request - no rejection info available"

func NewTimeoutError(m *Message, elapsed time.Duration) error {
	return errors.Mark(
		errors.Newf("response did not arrive on time in %s for message: %s. Target history is: %s",
			elapsed, m, m.TargetHistoryEntry()),
		ErrTimeout)
}

func NewTargetUnavailableError(m *Message) error {
	return errors.Mark(
		errors.Newf("the target silo became unavailable for message: %s. Target history is: %s",
			m, m.TargetHistoryEntry()),
		ErrTargetUnavailable)
}

// RejectionError maps a rejection onto the error a caller sees.
func RejectionError(kind RejectionKind, info string) error {
	if info == "" {
		info = noRejectionInfo
	}
	var kindErr error
	switch kind {
	case RejectionGatewayTooBusy:
		kindErr = ErrGatewayTooBusy
	case RejectionTransient:
		kindErr = ErrTransientRejection
	case RejectionOverloaded:
		kindErr = ErrOverloaded
	default:
		kindErr = ErrPermanentRejection
	}
	err := errors.Mark(errors.Newf("%s rejection: %s", kind, info), ErrRejected)
	return errors.Mark(err, kindErr)
}

// Outcome interprets a response message as the value or error the caller
// should observe. Duplicate request rejections have no outcome and must be
// filtered out before calling this.
func Outcome(m *Message) (any, error) {
	switch m.Result {
	case ResultRejection:
		return nil, RejectionError(m.RejectionKind, m.RejectionInfo)
	case ResultError:
		resp, ok := m.Body.(*Response)
		if !ok || resp.Err == nil {
			return nil, errors.WithDetailf(ErrUnexpectedResponse, "error response without error for %s", m.ID)
		}
		return nil, resp.Err
	case ResultSuccess:
		if m.Body == nil {
			return nil, nil
		}
		resp, ok := m.Body.(*Response)
		if !ok {
			return nil, errors.WithDetailf(ErrUnexpectedResponse, "unexpected body %T for %s", m.Body, m.ID)
		}
		return resp.Value, nil
	}
	return nil, errors.WithDetailf(ErrUnexpectedResponse, "unknown result %s", m.Result)
}
