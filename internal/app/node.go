package app

import (
	"net"
	"os"
	"sort"
	"strings"
)

// nodeID returns the configured id, else the hex MAC address of the first
// non-loopback interface, else the hostname.
func nodeID(configured string, ifaces func() ([]net.Interface, error)) string {
	if id := strings.TrimSpace(configured); id != "" {
		return id
	}
	if ifaces != nil {
		if list, err := ifaces(); err == nil {
			if mac := firstMAC(list); mac != "" {
				return mac
			}
		}
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "unknown"
}

func firstMAC(list []net.Interface) string {
	sort.SliceStable(list, func(i, j int) bool { return list[i].Index < list[j].Index })
	for _, ifc := range list {
		if ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) == 0 {
			continue
		}
		return strings.ReplaceAll(ifc.HardwareAddr.String(), ":", "")
	}
	return ""
}
