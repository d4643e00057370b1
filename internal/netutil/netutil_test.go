package netutil

import "testing"

func TestIsLocalHost(t *testing.T) {
	cases := map[string]bool{
		"localhost":    true,
		"127.0.0.1":    true,
		"10.0.0.5":     true,
		"172.16.0.1":   true,
		"172.31.255.2": true,
		"172.32.0.1":   false,
		"192.168.1.20": true,
		"8.8.8.8":      false,
		"example.com":  false,
	}
	for host, want := range cases {
		if got := IsLocalHost(host); got != want {
			t.Errorf("IsLocalHost(%q) = %v, want %v", host, got, want)
		}
	}
}
