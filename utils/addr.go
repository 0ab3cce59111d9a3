package utils

import (
	"fmt"
	"net"
	"strconv"
)

// SplitAddr parses a "host:port" address into its parts.
func SplitAddr(addr string) (host string, port int, _ error) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("addr %q invalid: %w", addr, err)
	}
	port, err = strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("addr %q port invalid", addr)
	}
	return h, port, nil
}

// JoinAddr formats a host and port back into "host:port" form.
func JoinAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
