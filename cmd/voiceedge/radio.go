package main

import (
	"fmt"
	"net"
)

// hostRadio is a development-only stand-in for the Wi-Fi HAL. Spec section
// 1 names the radio/OS driver as an external collaborator this core does
// not implement; no repository in the retrieved pack offers a real 802.11
// association library either (see DESIGN.md). For hosts that run this
// firmware already attached to a network — the same role malgo plays as a
// reference AudioSource for development rigs — hostRadio reports the
// host's own interface as "associated" rather than driving real
// association hardware. Production targets supply their own
// wifi.Radio implementation.
type hostRadio struct{}

func (hostRadio) Associate(ssid, password string) error {
	if _, err := firstNonLoopbackAddr(); err != nil {
		return fmt.Errorf("hostRadio: no network interface available: %w", err)
	}
	return nil
}

func (hostRadio) Disassociate() error { return nil }

func (hostRadio) RSSI() (int, error) { return -40, nil } // no real radio to sample

func (hostRadio) IPAddress() (string, error) { return firstNonLoopbackAddr() }

func (hostRadio) MACAddress() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, i := range ifaces {
		if i.Flags&net.FlagLoopback == 0 && len(i.HardwareAddr) > 0 {
			return i.HardwareAddr.String(), nil
		}
	}
	return "", fmt.Errorf("hostRadio: no interface with a hardware address found")
}

func firstNonLoopbackAddr() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("no non-loopback IPv4 address found")
}
