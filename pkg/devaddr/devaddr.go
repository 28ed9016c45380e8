// Package devaddr implements device addresses: ordered key/value sets that
// describe how to reach a device, produced by discovery and consumed by open.
package devaddr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Well-known keys.
const (
	KeyType          = "type"
	KeyAddr          = "addr"
	KeySecondAddr    = "second-addr"
	KeyResource      = "resource"
	KeySerial        = "serial"
	KeyName          = "name"
	KeyProduct       = "product"
	KeyFPGA          = "fpga"
	KeyRPCPort       = "rpc-port"
	KeyRecvFrameSize = "recv-frame-size"
	KeySendFrameSize = "send-frame-size"
	KeyRecoverEEPROM = "recover-mb-eeprom"
)

// Addr is an ordered string map. The zero value is an empty address.
type Addr struct {
	keys []string
	vals map[string]string
}

// New builds an address from alternating key, value arguments.
func New(kv ...string) Addr {
	var a Addr
	for i := 0; i+1 < len(kv); i += 2 {
		a.Set(kv[i], kv[i+1])
	}
	return a
}

// Parse reads the "k=v,k=v" text form. A key without '=' gets an empty value.
func Parse(s string) (Addr, error) {
	var a Addr
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		k, v, _ := strings.Cut(tok, "=")
		k = strings.TrimSpace(k)
		if k == "" {
			return Addr{}, fmt.Errorf("invalid device address token %q", tok)
		}
		a.Set(k, strings.TrimSpace(v))
	}
	return a, nil
}

// Set stores v under k, keeping k's original position if it exists.
func (a *Addr) Set(k, v string) {
	if a.vals == nil {
		a.vals = make(map[string]string)
	}
	if _, ok := a.vals[k]; !ok {
		a.keys = append(a.keys, k)
	}
	a.vals[k] = v
}

// Get returns the value for k and whether it is present.
func (a Addr) Get(k string) (string, bool) {
	v, ok := a.vals[k]
	return v, ok
}

// Value returns the value for k or "".
func (a Addr) Value(k string) string {
	return a.vals[k]
}

// Has reports whether k is present.
func (a Addr) Has(k string) bool {
	_, ok := a.vals[k]
	return ok
}

// Delete removes k.
func (a *Addr) Delete(k string) {
	if _, ok := a.vals[k]; !ok {
		return
	}
	delete(a.vals, k)
	for i, key := range a.keys {
		if key == k {
			a.keys = append(a.keys[:i:i], a.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (a Addr) Keys() []string {
	return append([]string(nil), a.keys...)
}

// Len returns the number of keys.
func (a Addr) Len() int { return len(a.keys) }

// Clone returns an independent copy.
func (a Addr) Clone() Addr {
	var c Addr
	for _, k := range a.keys {
		c.Set(k, a.vals[k])
	}
	return c
}

// Equal reports whether both addresses hold the same keys and values in the
// same order.
func (a Addr) Equal(b Addr) bool {
	if len(a.keys) != len(b.keys) {
		return false
	}
	for i, k := range a.keys {
		if b.keys[i] != k || b.vals[k] != a.vals[k] {
			return false
		}
	}
	return true
}

func (a Addr) String() string {
	var sb strings.Builder
	for i, k := range a.keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(a.vals[k])
	}
	return sb.String()
}

// splitIndex splits a trailing decimal index off key: "addr1" -> ("addr", 1).
func splitIndex(key string) (string, int, bool) {
	i := len(key)
	for i > 0 && key[i-1] >= '0' && key[i-1] <= '9' {
		i--
	}
	if i == len(key) || i == 0 {
		return key, 0, false
	}
	n, err := strconv.Atoi(key[i:])
	if err != nil {
		return key, 0, false
	}
	return key[:i], n, true
}

// indexedKeys are the keys that carry a per-device index in a multi-device
// address. Other keys with digit suffixes (ip-addr0) are left alone.
var indexedKeys = map[string]bool{
	KeyType: true, KeyAddr: true, KeySecondAddr: true, KeyResource: true,
	KeySerial: true, KeyName: true, KeyProduct: true, KeyFPGA: true,
}

// Separate splits a multi-device address into one address per index.
// Indexed keys (addr0, addr1) go to their device with the index removed;
// unindexed keys are copied into every device.
func Separate(a Addr) []Addr {
	byIndex := make(map[int]*Addr)
	var shared []string
	for _, k := range a.keys {
		base, n, ok := splitIndex(k)
		if !ok || !indexedKeys[base] {
			shared = append(shared, k)
			continue
		}
		dev, exists := byIndex[n]
		if !exists {
			dev = &Addr{}
			byIndex[n] = dev
		}
		dev.Set(base, a.vals[k])
	}
	if len(byIndex) == 0 {
		return []Addr{a.Clone()}
	}

	idx := make([]int, 0, len(byIndex))
	for n := range byIndex {
		idx = append(idx, n)
	}
	sort.Ints(idx)

	out := make([]Addr, 0, len(idx))
	for _, n := range idx {
		dev := *byIndex[n]
		for _, k := range shared {
			if !dev.Has(k) {
				dev.Set(k, a.vals[k])
			}
		}
		out = append(out, dev)
	}
	return out
}

// Combine merges per-device addresses into one multi-device address. A
// single address is returned unchanged.
func Combine(addrs []Addr) Addr {
	if len(addrs) == 1 {
		return addrs[0].Clone()
	}
	var out Addr
	for i, a := range addrs {
		for _, k := range a.keys {
			out.Set(k+strconv.Itoa(i), a.vals[k])
		}
	}
	return out
}
