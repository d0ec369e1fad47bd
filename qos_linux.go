//go:build linux

package main

import (
	"fmt"
	"net"
	"syscall"
)

// speakerDSCP is Expedited Forwarding. Home routers that honor DSCP queue
// the speaker frames ahead of bulk traffic on the devkit's uplink.
const speakerDSCP = 46

// applyUDPSocketQoS marks the socket's outgoing datagrams EF. Dual-stack
// listeners need both the IPv4 and IPv6 options; one of the two failing is
// fine, both failing is not.
func applyUDPSocketQoS(conn *net.UDPConn) error {
	if conn == nil {
		return fmt.Errorf("udp socket is nil")
	}

	// DSCP occupies the upper six bits; ECN stays cleared.
	tos := speakerDSCP << 2

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("failed to access socket descriptor: %w", err)
	}

	var ipErr error
	var ipv6Err error
	controlErr := rawConn.Control(func(fd uintptr) {
		ipErr = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_TOS, tos)
		ipv6Err = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IPV6, syscall.IPV6_TCLASS, tos)
	})
	if controlErr != nil {
		return fmt.Errorf("failed to apply socket options: %w", controlErr)
	}

	if ipErr != nil && ipv6Err != nil {
		return fmt.Errorf("setsockopt failed for both IPv4 and IPv6 (ip=%v, ipv6=%v)", ipErr, ipv6Err)
	}
	return nil
}
