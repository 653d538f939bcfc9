package channels

import (
	"errors"
	"fmt"

	"reconcile-svc/models"

	"github.com/go-playground/validator/v10"
)

type ErrorKind string

const (
	KindMalformed ErrorKind = "malformed"
	KindSignature ErrorKind = "signature"
	KindGateway   ErrorKind = "gateway"
)

// AdapterError is returned for payloads that never become a PaymentEvent.
type AdapterError struct {
	Channel models.Channel
	Kind    ErrorKind
	Reason  string
	Err     error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Channel, e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Channel, e.Kind, e.Reason)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

func malformed(ch models.Channel, reason string, err error) *AdapterError {
	return &AdapterError{Channel: ch, Kind: KindMalformed, Reason: reason, Err: err}
}

func badSignature(ch models.Channel, reason string) *AdapterError {
	return &AdapterError{Channel: ch, Kind: KindSignature, Reason: reason}
}

func gatewayError(ch models.Channel, reason string, err error) *AdapterError {
	return &AdapterError{Channel: ch, Kind: KindGateway, Reason: reason, Err: err}
}

// AsAdapterError unwraps err into an *AdapterError when it is one.
func AsAdapterError(err error) (*AdapterError, bool) {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// invalid turns validator output into a malformed error naming the first failing field.
func invalid(ch models.Channel, err error) *AdapterError {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return malformed(ch, fmt.Sprintf("field %s failed %s", fe.Namespace(), fe.Tag()), nil)
	}
	return malformed(ch, "invalid payload", err)
}
