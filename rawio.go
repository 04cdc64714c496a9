// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tinywire

import "io"

// rawSend writes the entire payload to w, looping until every byte has been
// accepted. Short writes reduce the remaining tail by the number of bytes
// actually written on each iteration.
func rawSend(w io.Writer, p []byte) error {
	remaining := p
	for len(remaining) > 0 {
		n, err := w.Write(remaining)
		if err != nil {
			return err
		}
		remaining = remaining[n:]
	}
	return nil
}

// rawReceive reads exactly size bytes from r, looping over short reads.
//
// Peer-closed detection: if any Read yields zero bytes with no error (EOF),
// rawReceive stops immediately and returns a 4-byte all-zero buffer
// regardless of the originally requested size, plus ok=false. This mirrors
// the wire contract exactly: the all-zero buffer is what a header read
// decodes to 0, which the framed-receive path then recognises (together
// with the connection's shutdown flag) as end-of-stream rather than a
// legal zero-length message. For payload reads the 4-byte value itself is
// meaningless; callers must check ok before using it.
func rawReceive(r io.Reader, size int) (buf []byte, ok bool, err error) {
	buf = make([]byte, size)
	got := 0
	for got < size {
		n, rerr := r.Read(buf[got:])
		if n == 0 && rerr == nil {
			// A conforming io.Reader never does this; treat it like EOF to
			// avoid spinning forever on a misbehaving transport.
			rerr = io.EOF
		}
		got += n
		if rerr != nil {
			if rerr == io.EOF && got < size {
				// Peer closed mid-read (or before any byte arrived): treat any
				// short read ending in EOF as a peer-closed signal, since
				// net.Conn.Read can return fewer bytes than requested
				// together with io.EOF.
				return make([]byte, 4), false, nil
			}
			if rerr != io.EOF {
				return nil, false, rerr
			}
			break
		}
	}
	return buf, true, nil
}
