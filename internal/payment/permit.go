package payment

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"otc-backend/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// PermitData EIP-2612 permit message plus its token domain
type PermitData struct {
	TokenName    string
	TokenVersion string
	ChainID      *big.Int
	Token        common.Address
	Owner        common.Address
	Spender      common.Address
	Value        *big.Int
	Nonce        *big.Int
	Deadline     *big.Int
}

func (p PermitData) typedData() apitypes.TypedData {
	version := p.TokenVersion
	if version == "" {
		version = "1"
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Permit": []apitypes.Type{
				{Name: "owner", Type: "address"},
				{Name: "spender", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: "Permit",
		Domain: apitypes.TypedDataDomain{
			Name:              p.TokenName,
			Version:           version,
			ChainId:           (*math.HexOrDecimal256)(p.ChainID),
			VerifyingContract: p.Token.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"owner":    p.Owner.Hex(),
			"spender":  p.Spender.Hex(),
			"value":    (*math.HexOrDecimal256)(p.Value),
			"nonce":    (*math.HexOrDecimal256)(p.Nonce),
			"deadline": (*math.HexOrDecimal256)(p.Deadline),
		},
	}
}

// PermitDigest keccak256(0x1901 ‖ domainSeparator ‖ hashStruct(Permit))
func PermitDigest(p PermitData) ([]byte, error) {
	typedData := p.typedData()

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct("Permit", typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash permit: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// SignPermit signs the permit and splits the signature into v/r/s
func SignPermit(privateKey *ecdsa.PrivateKey, p PermitData) (models.PermitSignature, error) {
	digest, err := PermitDigest(p)
	if err != nil {
		return models.PermitSignature{}, err
	}

	signature, err := crypto.Sign(digest, privateKey)
	if err != nil {
		return models.PermitSignature{}, fmt.Errorf("failed to sign permit: %w", err)
	}

	return models.PermitSignature{
		Deadline: p.Deadline.Int64(),
		V:        signature[64] + 27,
		R:        hexutil.Encode(signature[:32]),
		S:        hexutil.Encode(signature[32:64]),
	}, nil
}

// RecoverPermitSigner recovers the owner address from a permit signature
func RecoverPermitSigner(p PermitData, sig models.PermitSignature) (common.Address, error) {
	digest, err := PermitDigest(p)
	if err != nil {
		return common.Address{}, err
	}
	r, s, err := PermitWords(sig)
	if err != nil {
		return common.Address{}, err
	}
	raw := make([]byte, 65)
	copy(raw[:32], r[:])
	copy(raw[32:64], s[:])
	raw[64] = NormalizeV(sig.V) - 27

	pub, err := crypto.SigToPub(digest, raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
