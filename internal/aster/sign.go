package aster

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// signQueryV1 signs an already-encoded query string the fapi v1 way:
// hex-encoded HMAC-SHA256 of the query under the account's API secret.
func signQueryV1(secret, query string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// v3SignArgs is the ABI tuple the pro API expects:
// (paramsJSON string, user address, signer address, nonce uint256).
var v3SignArgs = abi.Arguments{
	{Type: mustABIType("string")},
	{Type: mustABIType("address")},
	{Type: mustABIType("address")},
	{Type: mustABIType("uint256")},
}

func mustABIType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// signParamsV3 produces the wallet signature for the pro (v3) order API:
// canonical sorted JSON of the string-valued params, ABI-encoded together
// with the user wallet, the API wallet and a nonce, keccak-hashed, then
// signed as an EIP-191 personal message with the API wallet's key.
func signParamsV3(params map[string]string, user, signer common.Address, nonceMicros int64, key *ecdsa.PrivateKey) (string, error) {
	// encoding/json sorts map keys and emits no whitespace, which matches
	// the canonical form the venue verifies against.
	canonical, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("canonicalize params: %w", err)
	}

	packed, err := v3SignArgs.Pack(string(canonical), user, signer, new(big.Int).SetInt64(nonceMicros))
	if err != nil {
		return "", fmt.Errorf("abi pack: %w", err)
	}

	digest := crypto.Keccak256(packed)
	msg := accounts.TextHash(digest)

	sig, err := crypto.Sign(msg, key)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	// Venue expects the legacy 27/28 recovery id.
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}
