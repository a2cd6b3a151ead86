package auth

import (
	"crypto"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/popkeyd/popkeyd/internal/model"
)

// cryptoHash maps an algorithm label to its digest function.
func cryptoHash(algo model.HashAlgorithm) (crypto.Hash, error) {
	switch algo {
	case model.AlgoSHA256:
		return crypto.SHA256, nil
	case model.AlgoSHA384:
		return crypto.SHA384, nil
	case model.AlgoSHA512:
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("unknown hash algorithm %q", algo)
}

// DecodePublicKey parses a stored public key token: a base64url-encoded
// JWK JSON document.
func DecodePublicKey(token string) (*jose.JSONWebKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		// Tolerate padded tokens from older clients.
		raw, err = base64.URLEncoding.DecodeString(token)
		if err != nil {
			return nil, fmt.Errorf("public key token is not base64url: %w", err)
		}
	}

	var key jose.JSONWebKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("public key token is not a JWK: %w", err)
	}
	if !key.IsPublic() {
		return nil, fmt.Errorf("public key token carries private key material")
	}
	return &key, nil
}

// ComputeAssertionRef derives the algorithm-tagged identity of a public
// key: "<algo>-<base64url(RFC 7638 thumbprint)>".
func ComputeAssertionRef(algo model.HashAlgorithm, key *jose.JSONWebKey) (model.AssertionRef, error) {
	hash, err := cryptoHash(algo)
	if err != nil {
		return "", err
	}
	thumbprint, err := key.Thumbprint(hash)
	if err != nil {
		return "", fmt.Errorf("failed to compute jwk thumbprint: %w", err)
	}
	ref := fmt.Sprintf("%s-%s", algo, base64.RawURLEncoding.EncodeToString(thumbprint))
	return model.ParseAssertionRef(ref)
}

// IdentityRefs is the pair of identities an activated key lives under.
// Used is empty when the client's identity already carries the master
// algorithm and a single document suffices.
type IdentityRefs struct {
	Master model.AssertionRef
	Used   model.AssertionRef
}

// ResolveIdentities computes the identity the client used plus the
// canonical master identity of the same key material. The decision is
// made on the computed used ref's own algorithm prefix, not on the
// usedAlgo label: a ref that already carries the master prefix needs no
// second document.
func ResolveIdentities(masterAlgo, usedAlgo model.HashAlgorithm, key *jose.JSONWebKey) (IdentityRefs, error) {
	usedRef, err := ComputeAssertionRef(usedAlgo, key)
	if err != nil {
		return IdentityRefs{}, err
	}

	refAlgo, err := usedRef.Algorithm()
	if err != nil {
		return IdentityRefs{}, err
	}
	if refAlgo == masterAlgo {
		return IdentityRefs{Master: usedRef}, nil
	}

	masterRef, err := ComputeAssertionRef(masterAlgo, key)
	if err != nil {
		return IdentityRefs{}, err
	}
	return IdentityRefs{Master: masterRef, Used: usedRef}, nil
}
