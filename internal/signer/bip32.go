package signer

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha512"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// hardenedOffset marks a BIP-32 path component as hardened (spec: "BIP-39/
// BIP-44, deterministic per index").
const hardenedOffset = 0x80000000

// bip32Node is one level of a derived HD key: a 32-byte private scalar
// plus its 32-byte chain code.
type bip32Node struct {
	key       [32]byte
	chainCode [32]byte
}

// masterFromSeed implements the BIP-32 "Master key generation" step.
func masterFromSeed(seed []byte) bip32Node {
	mac := hmac.New(sha512.New, []byte("Bitcoin seed"))
	mac.Write(seed)
	sum := mac.Sum(nil)

	var n bip32Node
	copy(n.key[:], sum[:32])
	copy(n.chainCode[:], sum[32:])
	return n
}

// deriveChild implements BIP-32's CKDpriv for a single path component.
func (n bip32Node) deriveChild(index uint32) (bip32Node, error) {
	var data []byte
	if index >= hardenedOffset {
		data = append([]byte{0x00}, n.key[:]...)
	} else {
		priv, _ := btcec.PrivKeyFromBytes(n.key[:])
		data = priv.PubKey().SerializeCompressed()
	}
	data = append(data, byte(index>>24), byte(index>>16), byte(index>>8), byte(index))

	mac := hmac.New(sha512.New, n.chainCode[:])
	mac.Write(data)
	sum := mac.Sum(nil)

	var il, kpar btcec.ModNScalar
	if overflow := il.SetByteSlice(sum[:32]); overflow {
		return bip32Node{}, fmt.Errorf("derive child %d: IL >= curve order", index)
	}
	kpar.SetByteSlice(n.key[:])
	il.Add(&kpar)
	if il.IsZero() {
		return bip32Node{}, fmt.Errorf("derive child %d: resulting key is zero", index)
	}

	var child bip32Node
	ilBytes := il.Bytes()
	copy(child.key[:], ilBytes[:])
	copy(child.chainCode[:], sum[32:])
	return child, nil
}

// derivePath walks an Ethereum-style HD path (m/44'/60'/account'/0/index)
// from seed and returns the leaf private key.
func derivePath(seed []byte, path []uint32) (*ecdsa.PrivateKey, error) {
	node := masterFromSeed(seed)
	var err error
	for _, component := range path {
		node, err = node.deriveChild(component)
		if err != nil {
			return nil, err
		}
	}
	return gethcrypto.ToECDSA(node.key[:])
}

// ethereumPath returns the standard m/44'/60'/0'/0/index derivation path
// used by every mainstream Ethereum wallet.
func ethereumPath(index uint32) []uint32 {
	return []uint32{
		44 + hardenedOffset,
		60 + hardenedOffset,
		0 + hardenedOffset,
		0,
		index,
	}
}
