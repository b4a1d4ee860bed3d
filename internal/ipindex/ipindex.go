// Package ipindex implements the IP-range index: a pair of CIDR sets (one
// for IPv4, one for IPv6) supporting insertion, simplification, and
// membership testing in time proportional to the address bit-length.
package ipindex

import (
	"fmt"
	"net"
	"strings"
)

// trieNode is a binary trie node keyed on address bits, most significant
// bit first. A terminal node represents a prefix present in the set; once
// terminal, its subtree is pruned since any descendant is subsumed.
type trieNode struct {
	children [2]*trieNode
	terminal bool
}

func (n *trieNode) child(bit byte, create bool) *trieNode {
	idx := bit
	if n.children[idx] == nil {
		if !create {
			return nil
		}
		n.children[idx] = &trieNode{}
	}
	return n.children[idx]
}

// insert adds the prefix described by addr[0:bits] to the trie. Returns
// without effect if an ancestor is already terminal (the prefix is already
// subsumed); prunes any descendant subtree once the new node is marked
// terminal, since those entries are now subsumed by it.
func (n *trieNode) insert(addr []byte, bits int) {
	cur := n
	for i := 0; i < bits; i++ {
		if cur.terminal {
			return
		}
		bit := bitAt(addr, i)
		cur = cur.child(bit, true)
	}
	if cur.terminal {
		return
	}
	cur.terminal = true
	cur.children[0] = nil
	cur.children[1] = nil
}

// contains reports whether addr (an address of the trie's family, full
// width) is covered by any terminal node on its path from the root.
func (n *trieNode) contains(addr []byte, width int) bool {
	cur := n
	for i := 0; i < width; i++ {
		if cur.terminal {
			return true
		}
		bit := bitAt(addr, i)
		cur = cur.children[bit]
		if cur == nil {
			return false
		}
	}
	return cur.terminal
}

// simplify performs a bottom-up pass merging sibling pairs that are both
// terminal into their shared parent. Returns whether this node ended up
// terminal (so an ancestor can fold it in turn).
func (n *trieNode) simplify() bool {
	if n.terminal {
		return true
	}
	left, right := n.children[0], n.children[1]
	leftTerm := left != nil && left.simplify()
	rightTerm := right != nil && right.simplify()
	if leftTerm && rightTerm {
		n.terminal = true
		n.children[0] = nil
		n.children[1] = nil
		return true
	}
	return false
}

func bitAt(addr []byte, i int) byte {
	return (addr[i/8] >> uint(7-i%8)) & 1
}

// Set is a single-family (v4 or v6) CIDR set backed by a binary trie.
type Set struct {
	root  *trieNode
	width int // bits in a full address for this family (32 or 128)
}

func newSet(width int) *Set {
	return &Set{root: &trieNode{}, width: width}
}

// Add inserts a prefix. Duplicate or subsumed insertions are no-ops.
func (s *Set) Add(ip net.IP, ones int) {
	s.root.insert([]byte(ip), ones)
}

// Simplify folds the set into canonical minimal form: sibling prefixes
// sharing a parent are merged, and any prefix already subsumed by another
// (handled incrementally by Add) stays removed.
func (s *Set) Simplify() {
	s.root.simplify()
}

// Contains reports whether ip is covered by some element of the set.
func (s *Set) Contains(ip net.IP) bool {
	return s.root.contains([]byte(ip), s.width)
}

// IpRange is the dual IPv4/IPv6 CIDR aggregate named in spec.md §4.1,
// grounded on original_source/src/ip.rs's split `v4`/`v6` design (there
// backed by the Rust `iprange` crate; here by the trie above).
type IpRange struct {
	v4 *Set
	v6 *Set
}

// New returns an empty IpRange.
func New() *IpRange {
	return &IpRange{v4: newSet(32), v6: newSet(128)}
}

// Add inserts a CIDR ("192.168.0.0/16" or "2001:db8::/32"). A bare IP
// address without a mask is treated as a /32 or /128 host route.
func (r *IpRange) Add(cidr string) error {
	cidr = strings.TrimSpace(cidr)
	if cidr == "" {
		return fmt.Errorf("ipindex: empty CIDR")
	}
	if !strings.Contains(cidr, "/") {
		ip := net.ParseIP(cidr)
		if ip == nil {
			return fmt.Errorf("ipindex: invalid address %q", cidr)
		}
		if ip4 := ip.To4(); ip4 != nil {
			cidr = cidr + "/32"
		} else {
			cidr = cidr + "/128"
		}
	}
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return fmt.Errorf("ipindex: invalid CIDR %q: %w", cidr, err)
	}
	ones, bits := ipnet.Mask.Size()
	if bits == 32 {
		r.v4.Add(ipnet.IP.To4(), ones)
	} else {
		r.v6.Add(ipnet.IP.To16(), ones)
	}
	return nil
}

// Simplify folds both the v4 and v6 sets into canonical minimal form.
func (r *IpRange) Simplify() {
	r.v4.Simplify()
	r.v6.Simplify()
}

// Contains reports whether ip is covered by the aggregate.
func (r *IpRange) Contains(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		return r.v4.Contains(ip4)
	}
	return r.v6.Contains(ip.To16())
}
