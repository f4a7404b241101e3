package exchange

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/vmihailenco/msgpack/v5"
)

// Signer produces the "phantom agent" signatures Hyperliquid expects on
// every exchange action:
//
//  1. The action is msgpack-encoded, the nonce appended as 8 big-endian
//     bytes, and a vault marker byte (0x00 none, 0x01 + address) appended.
//  2. keccak256 of that buffer becomes the agent's connectionId.
//  3. An EIP-712 "Agent{source, connectionId}" message is signed, where
//     source is "a" on mainnet and "b" on testnet.
//
// The signing key may be an API wallet authorized for a different main
// account; routing of the acting account happens at the client layer, the
// signature itself only ever involves the key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	source     string
}

// NewSigner parses a hex private key (with or without 0x prefix).
func NewSigner(privateKeyHex string, isMainnet bool) (*Signer, error) {
	keyHex := privateKeyHex
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}

	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	source := "b"
	if isMainnet {
		source = "a"
	}

	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		source:     source,
	}, nil
}

// Address returns the signer's Ethereum address (the API wallet).
func (s *Signer) Address() common.Address {
	return s.address
}

// SignAction signs an exchange action for the given nonce.
func (s *Signer) SignAction(action any, vault *common.Address, nonce uint64) (rsvSignature, error) {
	hash, err := actionHash(action, vault, nonce)
	if err != nil {
		return rsvSignature{}, err
	}
	return s.signPhantomAgent(hash)
}

// actionHash computes keccak256(msgpack(action) || nonce_be8 || vault_marker).
// The msgpack field order comes from the wire struct declarations and must
// match the venue byte for byte.
func actionHash(action any, vault *common.Address, nonce uint64) ([]byte, error) {
	data, err := msgpack.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("msgpack action: %w", err)
	}
	data = binary.BigEndian.AppendUint64(data, nonce)
	if vault == nil {
		data = append(data, 0x00)
	} else {
		data = append(data, 0x01)
		data = append(data, vault.Bytes()...)
	}
	return crypto.Keccak256(data), nil
}

// signPhantomAgent signs the EIP-712 Agent message carrying the action hash.
func (s *Signer) signPhantomAgent(connectionID []byte) (rsvSignature, error) {
	sig, err := s.signTypedData(
		&apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           (*ethmath.HexOrDecimal256)(big.NewInt(1337)),
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		apitypes.TypedDataMessage{
			"source":       s.source,
			"connectionId": hexutil.Encode(connectionID),
		},
		"Agent",
	)
	if err != nil {
		return rsvSignature{}, fmt.Errorf("sign agent: %w", err)
	}

	return rsvSignature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: sig[64],
	}, nil
}

// signTypedData signs EIP-712 typed data and adjusts V to 27/28.
func (s *Signer) signTypedData(
	domain *apitypes.TypedDataDomain,
	typesDef apitypes.Types,
	message apitypes.TypedDataMessage,
	primaryType string,
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       typesDef,
		PrimaryType: primaryType,
		Domain:      *domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}

	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}
