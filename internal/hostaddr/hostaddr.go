// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package hostaddr maps a hostname to an IPv4 address and rejects
// out-of-range ports. It has no other responsibility — no DNS caching, no
// IPv6, no retry policy.
package hostaddr

import (
	"fmt"
	"net"
)

// ValidatePort rejects any port outside the valid TCP range.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("hostaddr: port %d out of range [1,65535]", port)
	}
	return nil
}

// ParseDottedQuad parses addr as a literal IPv4 dotted-quad address, the
// way the original library's add_addr used socket.inet_aton: no hostname
// resolution, no IPv6.
func ParseDottedQuad(addr string) (net.IP, error) {
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("hostaddr: %q is not a valid IPv4 dotted-quad address", addr)
	}
	return ip.To4(), nil
}

// ResolveIPv4 maps host (a literal address or a hostname) to its IPv4
// address, failing if host has no IPv4 address.
func ResolveIPv4(host string) (net.IP, error) {
	addr, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return nil, fmt.Errorf("hostaddr: resolving %q: %w", host, err)
	}
	ip := addr.IP.To4()
	if ip == nil {
		return nil, fmt.Errorf("hostaddr: %q has no IPv4 address", host)
	}
	return ip, nil
}
