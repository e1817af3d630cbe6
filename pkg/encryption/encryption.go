// Package encryption seals and opens ballots and computes mesh-plane
// message tags. One ballot is encrypted with a fresh 256-bit key and
// 128-bit IV under AES-CBC with PKCS#7 padding; keys live only in the
// creator until the consensus phase.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/votemesh/votemesh/pkg/codec"
	"github.com/votemesh/votemesh/pkg/model"
)

const (
	// KeySize is the ballot key length in bytes
	KeySize = 32
	// IVSize is the ballot IV length in bytes
	IVSize = 16
	// VoteIDSize is the anonymous vote id length in bytes
	VoteIDSize = 16
)

// NewKey generates a fresh ballot key, hex encoded.
func NewKey() (string, error) {
	return randomHex(KeySize)
}

// NewIV generates a fresh ballot IV, hex encoded.
func NewIV() (string, error) {
	return randomHex(IVSize)
}

// NewAnonymousVoteID generates the random token identifying one ballot.
func NewAnonymousVoteID() (string, error) {
	return randomHex(VoteIDSize)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// SealBallot encrypts one ballot record under the given key and IV.
// Returns the ciphertext hex encoded.
func SealBallot(plaintext *model.BallotPlaintext, keyHex, ivHex string) (string, error) {
	key, iv, err := decodeKeyIV(keyHex, ivHex)
	if err != nil {
		return "", err
	}

	data, err := codec.Marshal(plaintext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	padded := pad(data, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(out), nil
}

// OpenBallot decrypts one ballot ciphertext with the matching key and IV.
// Any padding or decode failure is an error; the caller drops the ballot.
func OpenBallot(cipherHex, keyHex, ivHex string) (*model.BallotPlaintext, error) {
	key, iv, err := decodeKeyIV(keyHex, ivHex)
	if err != nil {
		return nil, err
	}

	ct, err := hex.DecodeString(cipherHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ct) == 0 || len(ct)%block.BlockSize() != 0 {
		return nil, errors.New("ciphertext is not block aligned")
	}

	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)

	data, err := unpad(out, block.BlockSize())
	if err != nil {
		return nil, err
	}

	plaintext := &model.BallotPlaintext{}
	if err := codec.UnmarshalInto(data, plaintext); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func decodeKeyIV(keyHex, ivHex string) ([]byte, []byte, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != KeySize {
		return nil, nil, errors.New("bad ballot key")
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != IVSize {
		return nil, nil, errors.New("bad ballot iv")
	}
	return key, iv, nil
}

// MessageTag computes the tagged hash H(nodeId || payload) used on
// mesh-plane messages. Never applied to ballots.
func MessageTag(nodeID string, payload []byte) string {
	d := sha3.New256()
	d.Write([]byte(nodeID))
	d.Write(payload)
	return hex.EncodeToString(d.Sum(nil))
}

// BallotTag computes the identity-free integrity tag carried by an
// encrypted vote. It binds the ciphertext to its round and vote id
// without naming the caster.
func BallotTag(roundID, anonymousVoteID, cipherHex, ivHex string) string {
	d := sha3.New256()
	d.Write([]byte(roundID))
	d.Write([]byte(anonymousVoteID))
	d.Write([]byte(cipherHex))
	d.Write([]byte(ivHex))
	return hex.EncodeToString(d.Sum(nil))
}

func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("bad padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("bad padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("bad padding")
		}
	}
	return data[:len(data)-n], nil
}
