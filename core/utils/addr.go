// SPDX-FileCopyrightText: Copyright (C) 2017  Yawning Angel.
// SPDX-License-Identifier: AGPL-3.0-only

package utils

import (
	"fmt"
	"net"
	"strconv"
)

// EnsureAddrIPPort returns nil iff the address is a raw IP + Port combination.
func EnsureAddrIPPort(a string) error {
	_, _, err := SplitIPPort(a)
	return err
}

// SplitIPPort splits a raw "ip:port" address into its parsed components.
func SplitIPPort(a string) (net.IP, uint16, error) {
	host, port, err := net.SplitHostPort(a)
	if err != nil {
		return nil, 0, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, fmt.Errorf("address '%v' is not an IP", host)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		return nil, 0, fmt.Errorf("address '%v' has an invalid port", a)
	}
	return ip, uint16(p), nil
}
