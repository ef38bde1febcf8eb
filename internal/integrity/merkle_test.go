package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/jnst/ledger-core/internal/model"
)

func balance(code string, minor int64) model.AccountBalance {
	return model.AccountBalance{AccountCode: code, BalanceMinorUnits: minor, CurrencyCode: "USD"}
}

func TestMerkleRoot_InsertionOrderIndependent(t *testing.T) {
	a := MerkleRoot([]model.AccountBalance{balance("A", 100), balance("B", 50)})
	b := MerkleRoot([]model.AccountBalance{balance("B", 50), balance("A", 100)})

	if a != b {
		t.Fatalf("expected identical roots, got %s and %s", a, b)
	}
}

func TestMerkleRoot_TamperSensitive(t *testing.T) {
	base := []model.AccountBalance{balance("1000", 100), balance("2000", -60), balance("3000", -40)}
	root := MerkleRoot(base)

	for i := range base {
		tampered := make([]model.AccountBalance, len(base))
		copy(tampered, base)
		tampered[i].BalanceMinorUnits++

		if got := MerkleRoot(tampered); got == root {
			t.Fatalf("changing balance %d did not change the root", i)
		}
	}
}

func TestMerkleRoot_Empty(t *testing.T) {
	if got := MerkleRoot(nil); got != EmptyMerkleRoot {
		t.Fatalf("expected sentinel %q, got %q", EmptyMerkleRoot, got)
	}
}

func TestMerkleRoot_SingleLeafIsLeafHash(t *testing.T) {
	b := balance("1000", 12345)

	want := hex.EncodeToString(LeafHash(b))
	if got := MerkleRoot([]model.AccountBalance{b}); got != want {
		t.Fatalf("expected root %s, got %s", want, got)
	}
}

func TestMerkleRoot_OddNodeDuplicated(t *testing.T) {
	b1, b2, b3 := balance("1000", 1), balance("2000", 2), balance("3000", 3)

	left := sha256.Sum256(append(LeafHash(b1), LeafHash(b2)...))
	right := sha256.Sum256(append(LeafHash(b3), LeafHash(b3)...))
	root := sha256.Sum256(append(left[:], right[:]...))

	want := hex.EncodeToString(root[:])
	if got := MerkleRoot([]model.AccountBalance{b3, b1, b2}); got != want {
		t.Fatalf("expected root %s, got %s", want, got)
	}
}

func TestLeafPreimage(t *testing.T) {
	got := LeafPreimage(model.AccountBalance{AccountCode: "4000", BalanceMinorUnits: -12345, CurrencyCode: "USD"})
	if got != "4000:-123.45:-12345:USD" {
		t.Fatalf("unexpected preimage %q", got)
	}
}

func TestChecksum_OrderIndependentAndSensitive(t *testing.T) {
	a := Checksum([]model.AccountBalance{balance("A", 100), balance("B", 50)})
	b := Checksum([]model.AccountBalance{balance("B", 50), balance("A", 100)})
	if a != b {
		t.Fatalf("expected identical checksums, got %s and %s", a, b)
	}

	c := Checksum([]model.AccountBalance{balance("B", 51), balance("A", 100)})
	if a == c {
		t.Fatalf("expected checksum to change with balance")
	}
}

func TestStateChecksum_DetectsMovementChange(t *testing.T) {
	m := []model.BalanceMovement{
		{AccountCode: "1000", CurrencyCode: "USD", AmountMinor: 100},
		{AccountCode: "2000", CurrencyCode: "USD", AmountMinor: -100},
	}
	before := StateChecksum(m)

	m[0], m[1] = m[1], m[0]
	if StateChecksum(m) != before {
		t.Fatalf("expected state checksum to ignore input order")
	}

	m[0].AmountMinor = -99
	if StateChecksum(m) == before {
		t.Fatalf("expected state checksum to change")
	}
}
