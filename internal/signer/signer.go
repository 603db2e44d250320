// Package signer authenticates venue requests. Parameters are canonicalized,
// ABI-encoded with the (user, signer, nonce) identity tuple, hashed with
// Keccak-256 and signed as an Ethereum personal message.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"vibe-trader/internal/errors"
)

// SignedRequest is the authenticated payload for a single call.
type SignedRequest struct {
	Params    map[string]any
	Nonce     uint64
	Signature string
	User      string
	Signer    string
}

// Signer holds the identity tuple and the signing key.
type Signer struct {
	user   common.Address
	signer common.Address
	key    *ecdsa.PrivateKey
	args   abi.Arguments
	now    func() time.Time
}

// New creates a Signer. userAddress is the account that owns funds;
// signerAddress is the API wallet whose key signs requests.
func New(userAddress, signerAddress, privateKeyHex string) (*Signer, error) {
	if !common.IsHexAddress(userAddress) {
		return nil, errors.NewSigningError("new signer", fmt.Errorf("invalid user address %q", userAddress))
	}
	if !common.IsHexAddress(signerAddress) {
		return nil, errors.NewSigningError("new signer", fmt.Errorf("invalid signer address %q", signerAddress))
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, errors.NewSigningError("parse private key", err)
	}

	args, err := payloadArguments()
	if err != nil {
		return nil, errors.NewSigningError("abi layout", err)
	}

	return &Signer{
		user:   common.HexToAddress(userAddress),
		signer: common.HexToAddress(signerAddress),
		key:    key,
		args:   args,
		now:    time.Now,
	}, nil
}

func payloadArguments() (abi.Arguments, error) {
	stringTy, err := abi.NewType("string", "", nil)
	if err != nil {
		return nil, err
	}
	addressTy, err := abi.NewType("address", "", nil)
	if err != nil {
		return nil, err
	}
	uintTy, err := abi.NewType("uint256", "", nil)
	if err != nil {
		return nil, err
	}
	return abi.Arguments{
		{Type: stringTy},
		{Type: addressTy},
		{Type: addressTy},
		{Type: uintTy},
	}, nil
}

// User returns the user address.
func (s *Signer) User() string {
	return s.user.Hex()
}

// SignerAddress returns the configured signer address.
func (s *Signer) SignerAddress() string {
	return s.signer.Hex()
}

// Address returns the address derived from the private key.
// It should equal SignerAddress for the venue to accept signatures.
func (s *Signer) Address() string {
	return crypto.PubkeyToAddress(s.key.PublicKey).Hex()
}

// Nonce returns the current wall-clock time in microseconds (milliseconds × 1000).
// It is not guarded against clock adjustments.
func (s *Signer) Nonce() uint64 {
	return uint64(s.now().UnixMilli()) * 1000
}

// Digest returns the Keccak-256 hash of the ABI-encoded payload.
func (s *Signer) Digest(params map[string]any, nonce uint64) ([]byte, error) {
	canonical, err := CanonicalJSON(params)
	if err != nil {
		return nil, errors.NewSigningError("canonicalize", err)
	}

	encoded, err := s.args.Pack(canonical, s.user, s.signer, new(big.Int).SetUint64(nonce))
	if err != nil {
		return nil, errors.NewSigningError("abi encode", err)
	}
	return crypto.Keccak256(encoded), nil
}

// Sign returns the 0x-prefixed personal-message signature over params and nonce.
func (s *Signer) Sign(params map[string]any, nonce uint64) (string, error) {
	digest, err := s.Digest(params, nonce)
	if err != nil {
		return "", err
	}

	sig, err := crypto.Sign(accounts.TextHash(digest), s.key)
	if err != nil {
		return "", errors.NewSigningError("sign", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// SignRequest signs params with a fresh nonce.
func (s *Signer) SignRequest(params map[string]any) (*SignedRequest, error) {
	nonce := s.Nonce()
	sig, err := s.Sign(params, nonce)
	if err != nil {
		return nil, err
	}
	return &SignedRequest{
		Params:    params,
		Nonce:     nonce,
		Signature: sig,
		User:      s.user.Hex(),
		Signer:    s.signer.Hex(),
	}, nil
}

// RecoverAddress returns the address that produced sig over params and nonce.
func (s *Signer) RecoverAddress(params map[string]any, nonce uint64, sig string) (string, error) {
	raw, err := hexutil.Decode(sig)
	if err != nil {
		return "", errors.NewSigningError("decode signature", err)
	}
	if len(raw) != crypto.SignatureLength {
		return "", errors.NewSigningError("decode signature", fmt.Errorf("signature length %d", len(raw)))
	}
	raw[crypto.RecoveryIDOffset] -= 27

	digest, err := s.Digest(params, nonce)
	if err != nil {
		return "", err
	}
	pub, err := crypto.SigToPub(accounts.TextHash(digest), raw)
	if err != nil {
		return "", errors.NewSigningError("recover", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}
