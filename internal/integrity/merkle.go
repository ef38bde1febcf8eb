// Package integrity computes the tamper-evidence values stored with period snapshots
// and materialized balances.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/jnst/ledger-core/internal/model"
)

// EmptyMerkleRoot is the sentinel root of an empty balance set. It is not a hash.
const EmptyMerkleRoot = "EMPTY"

// LeafPreimage is the canonical text hashed into a balance's Merkle leaf:
// accountCode:balance:balanceMinorUnits:currencyCode.
func LeafPreimage(b model.AccountBalance) string {
	return strings.Join([]string{
		b.AccountCode,
		model.FormatMinor(b.BalanceMinorUnits, b.CurrencyCode),
		strconv.FormatInt(b.BalanceMinorUnits, 10),
		b.CurrencyCode,
	}, ":")
}

// LeafHash hashes one balance.
func LeafHash(b model.AccountBalance) []byte {
	sum := sha256.Sum256([]byte(LeafPreimage(b)))
	return sum[:]
}

// MerkleRoot returns the hex root over balances sorted by account code (then currency).
// The input order does not matter. Odd nodes are paired with themselves.
func MerkleRoot(balances []model.AccountBalance) string {
	sorted := canonical(balances)
	if len(sorted) == 0 {
		return EmptyMerkleRoot
	}

	level := make([][]byte, len(sorted))
	for i, b := range sorted {
		level[i] = LeafHash(b)
	}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		level = next
	}

	return hex.EncodeToString(level[0])
}

// Checksum is a flat SHA-256 over the canonical leaf preimages, one per line.
func Checksum(balances []model.AccountBalance) string {
	h := sha256.New()
	for _, b := range canonical(balances) {
		h.Write([]byte(LeafPreimage(b)))
		h.Write([]byte{'\n'})
	}

	return hex.EncodeToString(h.Sum(nil))
}

// StateChecksum fingerprints the full materialized movement state of a tenant.
func StateChecksum(movements []model.BalanceMovement) string {
	sorted := make([]model.BalanceMovement, len(movements))
	copy(sorted, movements)
	model.SortMovements(sorted)

	h := sha256.New()
	for _, m := range sorted {
		k := m.Key()
		h.Write([]byte(k.AccountCode))
		h.Write([]byte{'|'})
		h.Write([]byte(k.CurrencyCode))
		h.Write([]byte{'|'})
		h.Write([]byte(k.PostingDate))
		h.Write([]byte{'|'})
		h.Write([]byte(strconv.FormatInt(m.AmountMinor, 10)))
		h.Write([]byte{'\n'})
	}

	return hex.EncodeToString(h.Sum(nil))
}

func hashPair(left, right []byte) []byte {
	buf := make([]byte, 0, len(left)+len(right))
	buf = append(buf, left...)
	buf = append(buf, right...)
	sum := sha256.Sum256(buf)

	return sum[:]
}

func canonical(balances []model.AccountBalance) []model.AccountBalance {
	sorted := make([]model.AccountBalance, len(balances))
	copy(sorted, balances)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Key().Less(sorted[j].Key())
	})

	return sorted
}
