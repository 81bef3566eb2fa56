package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ReceiptChain links settlement receipts by hashing each payload together
// with the previous digest: d(n) = keccak256(d(n-1) || payload(n)).
// Rewriting any persisted receipt changes every digest after it. The zero
// value is a chain at the zero hash.
type ReceiptChain struct {
	mu   sync.Mutex
	head common.Hash
}

// NewReceiptChain starts a chain at head. An empty head is the zero hash.
func NewReceiptChain(head string) (*ReceiptChain, error) {
	h, err := parseDigest(head)
	if err != nil {
		return nil, err
	}
	return &ReceiptChain{head: h}, nil
}

// Append extends the chain and returns the new head as 0x-prefixed hex.
func (c *ReceiptChain) Append(payload []byte) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = ethcrypto.Keccak256Hash(c.head.Bytes(), payload)
	return c.head.Hex()
}

// Head returns the current head digest.
func (c *ReceiptChain) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head.Hex()
}

// Reset moves the head, e.g. after rehydrating from storage.
func (c *ReceiptChain) Reset(head string) error {
	h, err := parseDigest(head)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.head = h
	c.mu.Unlock()
	return nil
}

// VerifyChain recomputes the digests of payloads starting at start and
// reports the first position whose stored digest does not match.
func VerifyChain(start string, payloads [][]byte, digests []string) error {
	if len(payloads) != len(digests) {
		return fmt.Errorf("crypto: %d payloads but %d digests", len(payloads), len(digests))
	}
	head, err := parseDigest(start)
	if err != nil {
		return err
	}
	for i, p := range payloads {
		head = ethcrypto.Keccak256Hash(head.Bytes(), p)
		if !strings.EqualFold(head.Hex(), digests[i]) {
			return fmt.Errorf("crypto: receipt %d digest mismatch: have %s, want %s", i, digests[i], head.Hex())
		}
	}
	return nil
}

func parseDigest(s string) (common.Hash, error) {
	if s == "" {
		return common.Hash{}, nil
	}
	raw := strings.TrimPrefix(s, "0x")
	if len(raw) != 2*common.HashLength {
		return common.Hash{}, fmt.Errorf("crypto: digest %q is not 32 bytes of hex", s)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return common.Hash{}, fmt.Errorf("crypto: parsing digest: %w", err)
	}
	return common.HexToHash(s), nil
}
