// Package netutil holds small networking helpers shared by the session and
// bridge packages.
package netutil

import (
	"net"
	"strings"
)

// IsLocalHost reports whether host is localhost or a private IPv4 range,
// used to pick ws:// over wss:// when dialing (ported from the original
// client's is_local_host).
func IsLocalHost(host string) bool {
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	switch {
	case v4[0] == 10:
		return true
	case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31:
		return true
	case v4[0] == 192 && v4[1] == 168:
		return true
	}
	return false
}
