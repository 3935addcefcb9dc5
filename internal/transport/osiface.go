package transport

import (
	"fmt"
	"net"
)

// OSIface resolves interface identity for single-hop sessions that name a
// local interface: ifindex and the interface's own MAC address (spec 3.5's
// negotiated-state fields, spec table "local-interface resolves ifindex
// and local MAC"). Peer MAC resolution is not implemented: the only path
// that ever needed it upstream was VXLAN encapsulation, out of scope here.
type OSIface struct{}

// Resolve looks up ifName via the standard net package. An empty ifName
// (the common case for sessions that don't pin to one interface) resolves
// to the zero value without error.
func (OSIface) Resolve(ifName string) (ifIndex int, localMAC net.HardwareAddr, err error) {
	if ifName == "" {
		return 0, nil, nil
	}
	iface, err := net.InterfaceByName(ifName)
	if err != nil {
		return 0, nil, fmt.Errorf("resolve interface %q: %w", ifName, err)
	}
	return iface.Index, iface.HardwareAddr, nil
}
