// Package acl decides which clients may talk to the card emulator.
package acl

import (
	"net"
	"strings"

	"github.com/pkg/errors"
)

// radixNode is one bit of a binary prefix tree.
type radixNode struct {
	children [2]*radixNode
	// isLeaf marks the end of an inserted prefix.
	isLeaf bool
}

type radixTree struct {
	root *radixNode
}

func newRadixTree() *radixTree {
	return &radixTree{root: &radixNode{}}
}

func (t *radixTree) Insert(ipNet *net.IPNet) {
	node := t.root
	prefixLen, _ := ipNet.Mask.Size()
	for i := 0; i < prefixLen; i++ {
		bit := (ipNet.IP[i/8] >> (7 - i%8)) & 1
		if node.children[bit] == nil {
			node.children[bit] = &radixNode{}
		}
		node = node.children[bit]
	}
	node.isLeaf = true
}

// Contains is O(bits of ip).
func (t *radixTree) Contains(ip net.IP) bool {
	node := t.root
	for i := 0; i < len(ip)*8; i++ {
		if node.isLeaf {
			return true
		}
		node = node.children[(ip[i/8]>>(7-i%8))&1]
		if node == nil {
			return false
		}
	}
	return node.isLeaf
}

// List is a set of allowed networks. A nil *List allows everyone.
type List struct {
	v4    *radixTree
	v6    *radixTree
	rules []string
}

// Parse builds a List from CIDRs or bare addresses, e.g. "192.168.4.0/24",
// "127.0.0.1", "::1". Entries may also be comma separated.
func Parse(specs []string) (*List, error) {
	l := &List{v4: newRadixTree(), v6: newRadixTree()}
	for _, spec := range specs {
		for _, rule := range strings.Split(spec, ",") {
			rule = strings.TrimSpace(rule)
			if rule == "" {
				continue
			}
			if err := l.add(rule); err != nil {
				return nil, err
			}
		}
	}
	if len(l.rules) == 0 {
		return nil, nil
	}
	return l, nil
}

func (l *List) add(rule string) error {
	cidr := rule
	if !strings.Contains(rule, "/") {
		ip := net.ParseIP(rule)
		if ip == nil {
			return errors.Errorf("invalid address %q", rule)
		}
		if ip.To4() != nil {
			cidr += "/32"
		} else {
			cidr += "/128"
		}
	}
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return errors.Wrapf(err, "invalid network %q", rule)
	}
	if ip4 := ipNet.IP.To4(); ip4 != nil {
		ipNet.IP = ip4
		l.v4.Insert(ipNet)
	} else {
		l.v6.Insert(ipNet)
	}
	l.rules = append(l.rules, ipNet.String())
	return nil
}

// Rules lists the normalized networks.
func (l *List) Rules() []string {
	if l == nil {
		return nil
	}
	return append([]string(nil), l.rules...)
}

// AllowsIP reports whether ip falls in any network of the list.
func (l *List) AllowsIP(ip net.IP) bool {
	if l == nil {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		return l.v4.Contains(ip4)
	}
	if ip16 := ip.To16(); ip16 != nil {
		return l.v6.Contains(ip16)
	}
	return false
}

// Allows checks a "host:port" remote address as found in http.Request.RemoteAddr.
func (l *List) Allows(remoteAddr string) bool {
	if l == nil {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip == nil {
		return false
	}
	return l.AllowsIP(ip)
}
