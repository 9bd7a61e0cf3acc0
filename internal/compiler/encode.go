package compiler

import (
	"fmt"
	"math/big"
	"net"
	"net/netip"
	"strings"
)

// EncodeValue encodes a match or parameter value as a big-endian byte
// string of ceil(bitwidth/8) bytes.
//
// Accepted inputs:
//   - int64/int: non-negative integers
//   - "10.0.0.1": dotted IPv4 (4 bytes) or IPv6 (16 bytes)
//   - "08:00:00:00:01:11": MAC address (6 bytes)
//   - "0x0c": hex integer
//   - "12": decimal integer
//
// A value wider than bitwidth is an error, never truncated.
func EncodeValue(v any, bitwidth int32) ([]byte, error) {
	n, err := valueToInt(v)
	if err != nil {
		return nil, err
	}
	return fitBytes(n, bitwidth)
}

func valueToInt(v any) (*big.Int, error) {
	switch x := v.(type) {
	case int64:
		if x < 0 {
			return nil, fmt.Errorf("negative value %d", x)
		}
		return new(big.Int).SetInt64(x), nil
	case int:
		return valueToInt(int64(x))
	case string:
		return parseString(x)
	default:
		return nil, fmt.Errorf("unsupported value %v (%T)", v, v)
	}
}

func parseString(raw string) (*big.Int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("empty value")
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		if addr.Is4() {
			b := addr.As4()
			return new(big.Int).SetBytes(b[:]), nil
		}
		b := addr.As16()
		return new(big.Int).SetBytes(b[:]), nil
	}

	if strings.Count(s, ":") == 5 || strings.Count(s, "-") == 5 {
		if mac, err := net.ParseMAC(s); err == nil && len(mac) == 6 {
			return new(big.Int).SetBytes(mac), nil
		}
	}

	n := new(big.Int)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if _, ok := n.SetString(s[2:], 16); !ok {
			return nil, fmt.Errorf("invalid hex value %q", raw)
		}
		return n, nil
	}
	if _, ok := n.SetString(s, 10); !ok {
		return nil, fmt.Errorf("invalid value %q (want integer, hex, IP or MAC)", raw)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("negative value %q", raw)
	}
	return n, nil
}

func fitBytes(n *big.Int, bitwidth int32) ([]byte, error) {
	if bitwidth <= 0 {
		return nil, fmt.Errorf("invalid bitwidth %d", bitwidth)
	}
	if n.BitLen() > int(bitwidth) {
		return nil, fmt.Errorf("value %s does not fit in %d bits", n.String(), bitwidth)
	}
	return n.FillBytes(make([]byte, byteLen(bitwidth))), nil
}

func byteLen(bitwidth int32) int {
	return int((bitwidth + 7) / 8)
}

// prefixLength reads an LPM prefix length in [0, bitwidth].
func prefixLength(aux any, bitwidth int32) (int32, error) {
	n, err := valueToInt(aux)
	if err != nil {
		return 0, fmt.Errorf("prefix length: %w", err)
	}
	if !n.IsInt64() || n.Int64() > int64(bitwidth) {
		return 0, fmt.Errorf("prefix length %s out of range 0..%d", n.String(), bitwidth)
	}
	return int32(n.Int64()), nil
}

// prefixMask returns the mask with the top prefix bits of bitwidth set.
func prefixMask(prefix, bitwidth int32) *big.Int {
	ones := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), uint(prefix)), big.NewInt(1))
	return ones.Lsh(ones, uint(bitwidth-prefix))
}

// fullMask returns a mask with all bitwidth bits set.
func fullMask(bitwidth int32) *big.Int {
	return prefixMask(bitwidth, bitwidth)
}
