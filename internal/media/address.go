package media

import (
	"net"
)

// SelectLocalIP picks the local bind address for RTP sockets.
// It prefers a private IPv4 address (10.0.0.0/8, 172.16.0.0/12,
// 192.168.0.0/16) found on an up, non-loopback interface, which keeps
// multi-homed hosts working without explicit interface configuration.
// Returns nil when no candidate is found, meaning bind to the wildcard.
func SelectLocalIP() net.IP {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP.To4()
			if ip != nil && isPrivateIPv4(ip) {
				return ip
			}
		}
	}

	return nil
}

func isPrivateIPv4(ip net.IP) bool {
	switch {
	case ip[0] == 10:
		return true
	case ip[0] == 172 && ip[1] >= 16 && ip[1] <= 31:
		return true
	case ip[0] == 192 && ip[1] == 168:
		return true
	}
	return false
}
