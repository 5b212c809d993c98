package rpt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Canonicalize serializes payload as JSON with object keys sorted at every
// depth, array order preserved, no insignificant whitespace and no HTML
// escaping. Numbers are rewritten to one form per value: integers that fit
// int64 print exactly, everything else prints the way ECMAScript's
// Number.prototype.toString does, so 1, 1.0 and 1e0 are the same payload.
// Payload may be a Go value, a json.RawMessage or raw JSON bytes.
func Canonicalize(payload any) ([]byte, error) {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		var err error
		if raw, err = marshal(payload); err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode payload: trailing data")
	}
	tree, err := normalize(tree)
	if err != nil {
		return nil, fmt.Errorf("normalize payload: %w", err)
	}

	// encoding/json writes map keys in sorted order.
	out, err := marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("encode canonical payload: %w", err)
	}
	return out, nil
}

func normalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			n, err := normalize(child)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
	case []any:
		for i, child := range t {
			n, err := normalize(child)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
	case json.Number:
		return normalizeNumber(t)
	}
	return v, nil
}

// Exponents beyond this are not expanded exactly; the literal is far outside
// int64 or carries more digits than float64 keeps anyway.
const maxExactExponent = 400

func normalizeNumber(n json.Number) (json.Number, error) {
	lit := n.String()
	if i, err := strconv.ParseInt(lit, 10, 64); err == nil {
		return json.Number(strconv.FormatInt(i, 10)), nil
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return "", fmt.Errorf("number %s: %w", lit, err)
	}
	if f == math.Trunc(f) && math.Abs(f) < math.MaxInt64 && exponentWithin(lit, maxExactExponent) {
		// 9007199254740993.0 is an int64 that float64 cannot hold.
		if r, ok := new(big.Rat).SetString(lit); ok && r.IsInt() && r.Num().IsInt64() {
			return json.Number(r.Num().String()), nil
		}
	}
	return json.Number(formatECMA(f)), nil
}

func exponentWithin(lit string, limit int) bool {
	i := strings.IndexAny(lit, "eE")
	if i < 0 {
		return true
	}
	e, err := strconv.Atoi(lit[i+1:])
	return err == nil && e <= limit && e >= -limit
}

// formatECMA renders f like Number.prototype.toString for finite values.
func formatECMA(f float64) string {
	if f == 0 {
		return "0"
	}
	sign := ""
	if f < 0 {
		sign = "-"
		f = -f
	}

	// Shortest round-trip digits and decimal exponent: d.ddde±x.
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	mant, exp, _ := strings.Cut(sci, "e")
	digits := strings.Replace(mant, ".", "", 1)
	e, _ := strconv.Atoi(exp)
	k, n := len(digits), e+1

	switch {
	case k <= n && n <= 21:
		return sign + digits + strings.Repeat("0", n-k)
	case 0 < n && n <= 21:
		return sign + digits[:n] + "." + digits[n:]
	case -6 < n && n <= 0:
		return sign + "0." + strings.Repeat("0", -n) + digits
	}

	expSign := "+"
	if n-1 < 0 {
		expSign = "-"
	}
	out := digits[:1]
	if k > 1 {
		out += "." + digits[1:]
	}
	return sign + out + "e" + expSign + strconv.Itoa(abs(n-1))
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
