//go:build !linux

package main

import "net"

func applyUDPSocketQoS(conn *net.UDPConn) error {
	// DSCP marking is only wired up for Linux deployments.
	return nil
}
