package dns

import (
	"net"
)

// IPDomain is an ip address, a domain, or empty.
type IPDomain struct {
	IP     net.IP
	Domain Domain
}

// IsZero returns if both IP and Domain are zero.
func (d IPDomain) IsZero() bool {
	return d.IP == nil && d.Domain == Domain{}
}

// String returns a string representation of either the IP or domain (with
// UTF-8).
func (d IPDomain) String() string {
	if len(d.IP) > 0 {
		return d.IP.String()
	}
	return d.Domain.Name()
}
