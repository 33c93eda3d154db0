package trustedtime

import "net"

// NetworkDetector reports whether any network connection could be available
type NetworkDetector interface {
	Available() bool
}

// DetectorFunc adapts a function to NetworkDetector
type DetectorFunc func() bool

// Available implements NetworkDetector
func (f DetectorFunc) Available() bool { return f() }

// InterfaceDetector considers the network available when at least one
// non-loopback interface is up
type InterfaceDetector struct{}

// Available implements NetworkDetector
func (InterfaceDetector) Available() bool {
	interfaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		return true
	}
	return false
}
