// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tinywire

import "github.com/rs/zerolog"

// Logger is the structured logger injected into Connection, Server and
// Client. Every role defaults to a disabled logger (zerolog.Nop()) so the
// core never writes to stderr unless a caller opts in — I/O-path failures
// are logged and absorbed rather than raised, so a silent default matters.
type Logger = zerolog.Logger

func defaultLogger() Logger {
	return zerolog.Nop()
}
