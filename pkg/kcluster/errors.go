package kcluster

import "errors"

// ErrClosed is returned by calls made against a closed Client or Metadata.
var ErrClosed = errors.New("kcluster: closed")

// ErrUnknownBroker is returned when Send targets a node ID that has not
// been discovered via metadata (seed addresses are not registered by node
// ID).
var ErrUnknownBroker = errors.New("kcluster: unknown broker node id")

// ErrUnsupportedRequest is returned when a broker's probed API versions
// indicate it cannot handle the request's key at all.
var ErrUnsupportedRequest = errors.New("kcluster: broker does not support this request")

// wireError wraps a transport-level failure (dial, write, read, decode)
// with a Retriable() verdict, satisfying kprod.RetriableError without
// kcluster needing to import kprod.
type wireError struct {
	op        string
	err       error
	retriable bool
}

func (e *wireError) Error() string   { return "kcluster: " + e.op + ": " + e.err.Error() }
func (e *wireError) Unwrap() error   { return e.err }
func (e *wireError) Retriable() bool { return e.retriable }

func retriableErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &wireError{op: op, err: err, retriable: true}
}

func fatalErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &wireError{op: op, err: err, retriable: false}
}

// codeError wraps a Kafka wire error code (decoded via kerr) so that
// kerr.IsRetriable's verdict is preserved through kprod.IsRetriable.
type codeError struct {
	err       error
	retriable bool
}

func (e *codeError) Error() string   { return e.err.Error() }
func (e *codeError) Unwrap() error   { return e.err }
func (e *codeError) Retriable() bool { return e.retriable }
