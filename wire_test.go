// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tinywire

import "testing"

func TestSizeCodecRoundTrip(t *testing.T) {
	cases := []uint32{0, 1, 255, 256, 65535, MaxMessageSize}
	for _, n := range cases {
		b := sizeToBytes(n)
		got := bytesToSize(b)
		if got != n {
			t.Errorf("sizeToBytes/bytesToSize round trip: got %d, want %d", got, n)
		}
	}
}

func TestSizeCodecIsBigEndian(t *testing.T) {
	b := sizeToBytes(0x01020304)
	want := [4]byte{0x01, 0x02, 0x03, 0x04}
	if b != want {
		t.Errorf("sizeToBytes(0x01020304) = %v, want %v", b, want)
	}
}

func TestMaxMessageSizeBelowStatusBytes(t *testing.T) {
	highByte := byte(MaxMessageSize >> 24)
	for _, s := range []Status{StatusOK, StatusGenericError, StatusConnLimit, StatusConflict} {
		if s != StatusGenericError && byte(s) <= highByte {
			t.Errorf("status %s (0x%02X) does not sit above MaxMessageSize's high byte (0x%02X)", s, byte(s), highByte)
		}
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusOK:           "OK",
		StatusGenericError: "GENERIC_ERROR",
		StatusConnLimit:    "CONN_LIMIT",
		StatusConflict:     "CONFLICT",
		Status(0x42):       "UNKNOWN",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("Status(0x%02X).String() = %q, want %q", byte(s), got, want)
		}
	}
}
