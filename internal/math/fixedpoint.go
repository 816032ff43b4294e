package math

import (
	"math/big"
)

// The ledger stores every amount in a canonical 18-fractional-digit fixed
// point ("wad"). Ratios that govern risk (LLTV, penalties, fees, rates,
// confidence) are basis points: 10_000 = 1.0.
const (
	WadDecimals = 18
	BpsScale    = 10_000
)

var (
	Wad    = pow10(WadDecimals) // 1e18
	bigBps = big.NewInt(BpsScale)

	// Conversion factors for native decimal counts 0..36. Tokens outside
	// that range are rejected at registration time.
	pow10Table [37]*big.Int
)

func init() {
	v := big.NewInt(1)
	ten := big.NewInt(10)
	for i := range pow10Table {
		pow10Table[i] = new(big.Int).Set(v)
		v.Mul(v, ten)
	}
}

func pow10(n int) *big.Int {
	if pow10Table[1] == nil {
		// Called from package var initialization, before init() ran.
		return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	}
	return pow10Table[n]
}

// MaxTokenDecimals bounds the native decimal counts the registry accepts.
const MaxTokenDecimals = 36

// MulWad returns a*b/1e18, rounded down. Both operands are wad.
func MulWad(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, Wad)
}

// DivWad returns a*1e18/b, rounded down. Returns 0 when b is zero.
func DivWad(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(a, Wad)
	return out.Quo(out, b)
}

// MulBps scales a wad amount by a basis-point ratio, rounded down.
func MulBps(a *big.Int, bps int64) *big.Int {
	if a == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(a, big.NewInt(bps))
	return out.Quo(out, bigBps)
}

// DivBps divides a wad amount by a basis-point ratio, rounded down.
// Returns 0 when bps is zero.
func DivBps(a *big.Int, bps int64) *big.Int {
	if a == nil || bps == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(a, bigBps)
	return out.Quo(out, big.NewInt(bps))
}

// RatioBps returns num/den as basis points, rounded down. 0 when den is 0.
func RatioBps(num, den *big.Int) int64 {
	if num == nil || den == nil || den.Sign() == 0 {
		return 0
	}
	out := new(big.Int).Mul(num, bigBps)
	out.Quo(out, den)
	if !out.IsInt64() {
		// Ratios far beyond 100% are treated identically by every caller,
		// so saturate rather than wrap.
		return int64(^uint64(0) >> 1)
	}
	return out.Int64()
}

// FromNative converts a token-native integer amount into canonical wad.
// Sub-wad remainders round DOWN: a depositor is never credited more than
// they transferred in.
func FromNative(amount *big.Int, decimals uint8) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	out := new(big.Int).Set(amount)
	switch {
	case int(decimals) == WadDecimals:
		return out
	case int(decimals) < WadDecimals:
		return out.Mul(out, pow10Table[WadDecimals-int(decimals)])
	default:
		return out.Quo(out, pow10Table[int(decimals)-WadDecimals])
	}
}

// FromNativeCeil converts like FromNative but rounds sub-wad remainders
// UP. Used when debiting a balance for an outbound native amount, so the
// sub-wad dust stays with the protocol rather than the caller.
func FromNativeCeil(amount *big.Int, decimals uint8) *big.Int {
	if amount == nil || int(decimals) <= WadDecimals {
		return FromNative(amount, decimals)
	}
	q, r := new(big.Int).QuoRem(amount, pow10Table[int(decimals)-WadDecimals], new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// ToNative converts a canonical wad amount back to token-native units.
// Rounds DOWN: the protocol never pays out a remainder it does not hold.
func ToNative(wad *big.Int, decimals uint8) *big.Int {
	if wad == nil {
		return new(big.Int)
	}
	out := new(big.Int).Set(wad)
	switch {
	case int(decimals) == WadDecimals:
		return out
	case int(decimals) < WadDecimals:
		return out.Quo(out, pow10Table[WadDecimals-int(decimals)])
	default:
		return out.Mul(out, pow10Table[int(decimals)-WadDecimals])
	}
}

// LerpBps interpolates linearly between hi and lo as num goes 0→den.
// The oracle confidence decay uses this within each half-life window.
func LerpBps(hi, lo, num, den int64) int64 {
	if den <= 0 || num <= 0 {
		return hi
	}
	if num >= den {
		return lo
	}
	return hi - (hi-lo)*num/den
}
