package ethereum

import (
	"math/big"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	qt "github.com/frankban/quicktest"
)

func TestBytesToSignature(t *testing.T) {
	c := qt.New(t)

	// Generate a test signature
	privKey, err := ethcrypto.GenerateKey()
	c.Assert(err, qt.IsNil)

	msg := []byte("test message")
	ethSig, err := ethcrypto.Sign(HashMessage(msg), privKey)
	c.Assert(err, qt.IsNil)
	c.Assert(len(ethSig), qt.Equals, SignatureLength)

	// Test creating new signature from valid data
	sig, err := BytesToSignature(ethSig)
	c.Assert(err, qt.IsNil)
	c.Assert(sig, qt.Not(qt.IsNil))
	c.Assert(sig.R, qt.Not(qt.IsNil))
	c.Assert(sig.S, qt.Not(qt.IsNil))
	c.Assert(sig.recovery, qt.Equals, ethSig[64])

	// Test invalid signature (too short)
	_, err = BytesToSignature(ethSig[:32])
	c.Assert(err, qt.Not(qt.IsNil))

	// The raw representation must round-trip
	c.Assert(sig.Bytes(), qt.DeepEquals, ethSig)
}

func TestECDSASignature_Valid(t *testing.T) {
	c := qt.New(t)

	validSig := &ECDSASignature{
		R: big.NewInt(123),
		S: big.NewInt(456),
	}
	c.Assert(validSig.Valid(), qt.IsTrue)

	// R or S missing makes the signature invalid
	c.Assert((&ECDSASignature{S: big.NewInt(456)}).Valid(), qt.IsFalse)
	c.Assert((&ECDSASignature{R: big.NewInt(123)}).Valid(), qt.IsFalse)
	c.Assert((&ECDSASignature{}).Valid(), qt.IsFalse)
}

func TestECDSASignature_SetBytesRecovery(t *testing.T) {
	c := qt.New(t)

	raw := make([]byte, SignatureLength)
	raw[31] = 1  // R = 1
	raw[63] = 2  // S = 2
	raw[64] = 28 // Ethereum magic recovery value

	sig := new(ECDSASignature).SetBytes(raw)
	c.Assert(sig, qt.Not(qt.IsNil))
	c.Assert(sig.R.Int64(), qt.Equals, int64(1))
	c.Assert(sig.S.Int64(), qt.Equals, int64(2))
	c.Assert(sig.recovery, qt.Equals, byte(1))

	// the input buffer stays untouched
	c.Assert(raw[64], qt.Equals, byte(28))

	// an out of range recovery byte is rejected
	raw[64] = 5
	c.Assert(new(ECDSASignature).SetBytes(raw), qt.IsNil)

	// 64 bytes without recovery byte default to recovery 0
	sig = new(ECDSASignature).SetBytes(raw[:64])
	c.Assert(sig, qt.Not(qt.IsNil))
	c.Assert(sig.recovery, qt.Equals, byte(0))
}
