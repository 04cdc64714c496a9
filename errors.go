// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tinywire

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument reports a nil or malformed constructor argument.
	ErrInvalidArgument = errors.New("tinywire: invalid argument")

	// ErrShutdown reports an operation attempted on a connection whose
	// shutdown flag is already set.
	ErrShutdown = errors.New("tinywire: connection is shut down")
)

// ConfigError reports a bad port, a bad IPv4 address, a missing remote
// address, or a missing listen-address list. Activating listeners twice is a
// StateError, not a ConfigError. It is always raised synchronously from a configuration call, never from
// the I/O path.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("tinywire: config: %s: %v", e.Op, e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

func newConfigError(op string, err error) *ConfigError {
	return &ConfigError{Op: op, Err: err}
}

// HandshakeError reports that the peer sent a non-StatusOK byte during the
// handshake. It is fatal to the Connection.
type HandshakeError struct {
	Got Status
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("tinywire: handshake: peer sent %s (0x%02X), want OK", e.Got, byte(e.Got))
}

// TransmitRejected reports that the peer returned a non-StatusOK ACK to a
// size header. It is fatal to the current transmit only — the connection
// remains usable and a caller may retry; a caller that wants "always
// fatal" semantics should call Connection.Shutdown() on receiving this
// error.
type TransmitRejected struct {
	Got Status
}

func (e *TransmitRejected) Error() string {
	return fmt.Sprintf("tinywire: transmit rejected: peer returned %s (0x%02X)", e.Got, byte(e.Got))
}

// StateError reports an operation invoked in the wrong lifecycle state,
// e.g. activating listeners twice.
type StateError struct {
	Op string
}

func (e *StateError) Error() string { return fmt.Sprintf("tinywire: state: %s", e.Op) }

// ioError wraps a stream read/write failure. On the receive path it is
// logged and converted to shutdown=true plus an empty result; on the
// transmit path it is logged and converted to shutdown=true. It is never
// re-thrown to user code on the I/O loop.
type ioError struct {
	Op  string
	Err error
}

func (e *ioError) Error() string { return fmt.Sprintf("tinywire: io: %s: %v", e.Op, e.Err) }
func (e *ioError) Unwrap() error { return e.Err }

func newIOError(op string, err error) *ioError {
	return &ioError{Op: op, Err: err}
}
