package transport

import (
	"fmt"
	"net"
	"strconv"
)

func splitHostPort(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("transport: invalid address %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("transport: invalid port in %q: %w", addr, err)
	}
	return host, uint16(port), nil
}
