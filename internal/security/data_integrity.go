// Package security signs served price payloads with a secp256k1 key so
// consumers can verify their origin.
package security

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// SignatureField is the payload key holding signature metadata.
const SignatureField = "_signature"

const algorithm = "ECDSA-secp256k1-SHA256"

var (
	// ErrSignatureMissing indicates a payload without signature metadata.
	ErrSignatureMissing = errors.New("signature metadata missing")

	// ErrSignatureExpired indicates a signature past its validity window.
	ErrSignatureExpired = errors.New("signature expired")

	// ErrSignatureInvalid indicates a signature that does not match the payload.
	ErrSignatureInvalid = errors.New("signature verification failed")
)

// DataIntegrityService signs and verifies JSON payloads
type DataIntegrityService struct {
	privateKey       *ecdsa.PrivateKey
	publicKeyEncoded string
	address          string
	verificationOpts VerificationOptions
	now              func() time.Time
}

// VerificationOptions configures the behavior of data integrity checks
type VerificationOptions struct {
	SignatureEnabled     bool          `json:"signature_enabled"`
	VerificationRequired bool          `json:"verification_required"`
	SignatureValidity    time.Duration `json:"signature_validity"`
	StrictMode           bool          `json:"strict_mode"`

	// PrivateKeyHex is a hex secp256k1 key; a fresh key is generated when empty
	PrivateKeyHex string `json:"-"`
}

// NewDataIntegrityService creates a new service for data integrity
func NewDataIntegrityService(opts VerificationOptions) (*DataIntegrityService, error) {
	var (
		privateKey *ecdsa.PrivateKey
		err        error
	)
	if opts.PrivateKeyHex != "" {
		privateKey, err = crypto.HexToECDSA(strings.TrimPrefix(opts.PrivateKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to parse signing key: %w", err)
		}
	} else {
		privateKey, err = crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		logrus.Warn("No signing key configured, generated an ephemeral key")
	}

	if opts.SignatureValidity <= 0 {
		opts.SignatureValidity = 5 * time.Minute
	}

	service := &DataIntegrityService{
		privateKey:       privateKey,
		publicKeyEncoded: hex.EncodeToString(crypto.CompressPubkey(&privateKey.PublicKey)),
		address:          crypto.PubkeyToAddress(privateKey.PublicKey).Hex(),
		verificationOpts: opts,
		now:              time.Now,
	}

	logrus.WithFields(logrus.Fields{
		"publicKey": service.publicKeyEncoded[:16] + "...",
		"address":   service.address,
	}).Info("Data integrity service initialized")
	return service, nil
}

// Enabled reports whether payloads are signed.
func (s *DataIntegrityService) Enabled() bool {
	return s.verificationOpts.SignatureEnabled
}

// SignPayload converts the payload to a JSON object and, when signing is
// enabled, attaches signature metadata under SignatureField.
func (s *DataIntegrityService) SignPayload(payload interface{}) (map[string]interface{}, error) {
	resultMap, err := toObject(payload)
	if err != nil {
		return nil, err
	}
	if !s.verificationOpts.SignatureEnabled {
		return resultMap, nil
	}

	canonical, err := json.Marshal(resultMap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	hash := sha256.Sum256(canonical)

	signature, err := crypto.Sign(hash[:], s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payload: %w", err)
	}

	now := s.now()
	resultMap[SignatureField] = map[string]interface{}{
		"signature":  hexutil.Encode(signature),
		"publicKey":  s.publicKeyEncoded,
		"address":    s.address,
		"algorithm":  algorithm,
		"timestamp":  now.Unix(),
		"validUntil": now.Add(s.verificationOpts.SignatureValidity).Unix(),
	}
	return resultMap, nil
}

// VerifyPayload verifies the signature attached by SignPayload. The payload
// may come straight from SignPayload or from decoding its JSON form.
func (s *DataIntegrityService) VerifyPayload(signedPayload map[string]interface{}) (bool, error) {
	if !s.verificationOpts.SignatureEnabled || !s.verificationOpts.VerificationRequired {
		return true, nil
	}

	sigMetadata, ok := signedPayload[SignatureField].(map[string]interface{})
	if !ok {
		if s.verificationOpts.StrictMode {
			return false, ErrSignatureMissing
		}
		logrus.Warn("Signature metadata missing from payload")
		return false, nil
	}

	signatureStr, ok := sigMetadata["signature"].(string)
	if !ok {
		return false, fmt.Errorf("invalid signature format")
	}
	publicKeyStr, ok := sigMetadata["publicKey"].(string)
	if !ok {
		return false, fmt.Errorf("invalid public key format")
	}
	validUntil, err := toInt64(sigMetadata["validUntil"])
	if err != nil {
		return false, fmt.Errorf("invalid validUntil format: %w", err)
	}

	now := s.now().Unix()
	if now > validUntil {
		return false, fmt.Errorf("%w at %v (current time: %v)", ErrSignatureExpired,
			time.Unix(validUntil, 0), time.Unix(now, 0))
	}

	signature, err := hexutil.Decode(signatureStr)
	if err != nil {
		return false, fmt.Errorf("failed to decode signature: %w", err)
	}
	if len(signature) != crypto.SignatureLength {
		return false, fmt.Errorf("invalid signature length: %d", len(signature))
	}
	publicKey, err := hex.DecodeString(publicKeyStr)
	if err != nil {
		return false, fmt.Errorf("failed to decode public key: %w", err)
	}

	payloadCopy := make(map[string]interface{}, len(signedPayload))
	for k, v := range signedPayload {
		if k != SignatureField {
			payloadCopy[k] = v
		}
	}
	normalized, err := toObject(payloadCopy)
	if err != nil {
		return false, err
	}
	canonical, err := json.Marshal(normalized)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payload: %w", err)
	}
	hash := sha256.Sum256(canonical)

	if !crypto.VerifySignature(publicKey, hash[:], signature[:crypto.RecoveryIDOffset]) {
		return false, ErrSignatureInvalid
	}
	return true, nil
}

// GetPublicKey returns the compressed public key as hex
func (s *DataIntegrityService) GetPublicKey() string {
	return s.publicKeyEncoded
}

// Address returns the Ethereum address of the signing key.
func (s *DataIntegrityService) Address() string {
	return s.address
}

// OnChainVerificationData signs the Keccak-256 hash of the payload so an EVM
// contract can recover the signer with ecrecover.
func (s *DataIntegrityService) OnChainVerificationData(payload interface{}) (map[string]interface{}, error) {
	normalized, err := toObject(payload)
	if err != nil {
		return nil, err
	}
	payloadBytes, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	keccakHash := crypto.Keccak256Hash(payloadBytes)
	signature, err := crypto.Sign(keccakHash.Bytes(), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign with Ethereum scheme: %w", err)
	}

	return map[string]interface{}{
		"payload":       normalized,
		"keccak256Hash": keccakHash.Hex(),
		"signature":     hexutil.Encode(signature),
		"publicKey":     hexutil.Encode(crypto.FromECDSAPub(&s.privateKey.PublicKey)),
		"signer":        s.address,
		"timestamp":     s.now().Unix(),
	}, nil
}

// toObject round-trips a payload through JSON so numbers are held as
// json.Number and re-encode verbatim.
func toObject(payload interface{}) (map[string]interface{}, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(payloadBytes))
	dec.UseNumber()
	var result map[string]interface{}
	if err := dec.Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if result == nil {
		return nil, fmt.Errorf("payload is not a JSON object")
	}
	return result, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
