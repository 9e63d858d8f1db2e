package siteagent

import (
	"net"

	"github.com/cqp-go/siteagent/internal/domain"
	"github.com/cqp-go/siteagent/internal/uri"
)

// AddressIsThisSite reports whether address identifies this agent's own
// connection endpoint, ported from original_source/SiteAgent.cpp's
// AddressIsThisSite: an exact string match first, then a same-port check
// against localhost/loopback, then a same-port check against this host's
// interface addresses.
func (a *Agent) AddressIsThisSite(address domain.SiteId) bool {
	if string(address) == a.connAddr {
		return true
	}

	mine, err := uri.Parse(a.connAddr)
	if err != nil {
		return false
	}
	theirs, err := uri.Parse(string(address))
	if err != nil {
		return false
	}
	if mine.Port != theirs.Port {
		return false
	}
	if theirs.Host == "localhost" || theirs.Host == "127.0.0.1" || theirs.Host == "::1" {
		return true
	}

	addrIPs, err := net.LookupHost(theirs.Host)
	if err != nil {
		return false
	}
	hostIPs := localInterfaceIPs()
	for _, addrIP := range addrIPs {
		for _, hostIP := range hostIPs {
			if addrIP == hostIP {
				return true
			}
		}
	}
	return false
}

// localInterfaceIPs returns the string form of every IP address bound to a
// local network interface.
func localInterfaceIPs() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	ips := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip != nil {
			ips = append(ips, ip.String())
		}
	}
	return ips
}
