package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	// EIP712Domain(string name)
	eip712DomainTypeHash = ethcrypto.Keccak256([]byte("EIP712Domain(string name)"))

	// Referenced struct types are appended in alphabetical order after the
	// primary type, as EIP-712 encodeType requires.
	policyTypeHash = ethcrypto.Keccak256([]byte(
		"Policy(string challenge,string scope,address wallet,address session_key,uint64 expires_at,Allowance[] allowances)" +
			"Allowance(string asset,string amount)",
	))

	allowanceTypeHash = ethcrypto.Keccak256([]byte("Allowance(string asset,string amount)"))
)

// Allowance caps what the session key may spend of one asset.
type Allowance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// Policy is the typed message the wallet signs to authorise a session key.
type Policy struct {
	Challenge  string
	Scope      string
	Wallet     string
	SessionKey string
	ExpiresAt  uint64
	Allowances []Allowance
}

func domainSeparator(application string) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(application)),
		),
	)
}

func (p Policy) structHash() ([]byte, error) {
	if !common.IsHexAddress(p.Wallet) {
		return nil, fmt.Errorf("crypto/signer: invalid wallet address %q", p.Wallet)
	}
	if !common.IsHexAddress(p.SessionKey) {
		return nil, fmt.Errorf("crypto/signer: invalid session key address %q", p.SessionKey)
	}

	// Arrays of structs hash to keccak256 of the concatenated element hashes.
	elems := make([][]byte, 0, len(p.Allowances))
	for _, a := range p.Allowances {
		elems = append(elems, ethcrypto.Keccak256(
			concatBytes(
				allowanceTypeHash,
				ethcrypto.Keccak256([]byte(a.Asset)),
				ethcrypto.Keccak256([]byte(a.Amount)),
			),
		))
	}

	return ethcrypto.Keccak256(
		concatBytes(
			policyTypeHash,
			ethcrypto.Keccak256([]byte(p.Challenge)),
			ethcrypto.Keccak256([]byte(p.Scope)),
			common.LeftPadBytes(common.HexToAddress(p.Wallet).Bytes(), 32),
			common.LeftPadBytes(common.HexToAddress(p.SessionKey).Bytes(), 32),
			bigIntTo32Bytes(new(big.Int).SetUint64(p.ExpiresAt)),
			ethcrypto.Keccak256(concatBytes(elems...)),
		),
	), nil
}
