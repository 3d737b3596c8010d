package crypto

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/vaultshift/internal/domain"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	// Migration(uint256 positionId,uint256 maxSlippageBps,address destinationOwner,address collateralOwner,uint256 nonce)
	migrationTypeHash = ethcrypto.Keccak256(
		[]byte("Migration(uint256 positionId,uint256 maxSlippageBps,address destinationOwner,address collateralOwner,uint256 nonce)"),
	)
)

// SignatureLength is the length of an r || s || v signature.
const SignatureLength = 65

// Domain is the EIP-712 domain migration requests are signed under.
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract common.Address
}

// NewDomain returns the service's signing domain for chainID and the engine
// account.
func NewDomain(chainID uint64, engine common.Address) Domain {
	return Domain{Name: "VaultShift", Version: "1", ChainID: chainID, VerifyingContract: engine}
}

// Separator returns keccak256(abi.encode(typeHash, nameHash, versionHash, chainId, verifyingContract)).
func (d Domain) Separator() []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(d.Name)),
			ethcrypto.Keccak256([]byte(d.Version)),
			word(d.ChainID),
			common.LeftPadBytes(d.VerifyingContract.Bytes(), 32),
		),
	)
}

// MigrationDigest returns the EIP-712 digest a signer commits to when
// authorising req with nonce.
func (d Domain) MigrationDigest(req domain.MigrationRequest, nonce uint64) []byte {
	structHash := ethcrypto.Keccak256(
		concatBytes(
			migrationTypeHash,
			word(uint64(req.PositionID)),
			word(uint64(req.MaxSlippageBps)),
			common.LeftPadBytes(req.DestinationOwner.Bytes(), 32),
			common.LeftPadBytes(req.CollateralOwner.Bytes(), 32),
			word(nonce),
		),
	)
	return eip712Hash(d.Separator(), structHash)
}

// Signer signs migration requests with the operator key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domain     Domain
}

// NewSigner creates a Signer for key under dom.
func NewSigner(key *ecdsa.PrivateKey, dom Domain) *Signer {
	return &Signer{
		privateKey: key,
		address:    ethcrypto.PubkeyToAddress(key.PublicKey),
		domain:     dom,
	}
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// Domain returns the signing domain.
func (s *Signer) Domain() Domain {
	return s.domain
}

// SignMigration signs req with nonce and returns the 65-byte signature with
// v in {27, 28}.
func (s *Signer) SignMigration(req domain.MigrationRequest, nonce uint64) ([]byte, error) {
	sig, err := ethcrypto.Sign(s.domain.MigrationDigest(req, nonce), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: %w: %w", domain.ErrSigningFailed, err)
	}
	// go-ethereum returns v in {0,1}; EIP-712 expects v in {27,28}.
	sig[64] += 27
	return sig, nil
}

// RecoverMigrationSigner returns the address that produced sig over req and
// nonce under dom. Malformed or unrecoverable signatures are Unauthorized.
func RecoverMigrationSigner(dom Domain, req domain.MigrationRequest, nonce uint64, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("crypto/signer: %w: signature is %d bytes, want %d",
			domain.ErrUnauthorized, len(sig), SignatureLength)
	}
	norm := make([]byte, SignatureLength)
	copy(norm, sig)
	switch norm[64] {
	case 27, 28:
		norm[64] -= 27
	case 0, 1:
	default:
		return common.Address{}, fmt.Errorf("crypto/signer: %w: invalid recovery id %d", domain.ErrUnauthorized, sig[64])
	}
	pub, err := ethcrypto.SigToPub(dom.MigrationDigest(req, nonce), norm)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: %w: %w", domain.ErrUnauthorized, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// DecodeSignature parses a 0x-prefixed hex signature.
func DecodeSignature(s string) ([]byte, error) {
	sig, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: %w: signature: %w", domain.ErrInvalidInput, err)
	}
	return sig, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// eip712Hash computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

// word returns n as a 32-byte big-endian ABI word.
func word(n uint64) []byte {
	b := new(uint256.Int).SetUint64(n).Bytes32()
	return b[:]
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
