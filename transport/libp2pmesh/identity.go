package libp2pmesh

import (
	"fmt"
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// loadOrCreateIdentity loads an existing libp2p private key from path or
// generates and persists a new Ed25519 one. An empty path always
// generates a fresh, unpersisted identity (useful for short-lived test
// nodes).
func loadOrCreateIdentity(path string) (crypto.PrivKey, error) {
	if path == "" {
		priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
		if err != nil {
			return nil, fmt.Errorf("libp2pmesh: generate keypair: %w", err)
		}
		return priv, nil
	}

	if data, err := os.ReadFile(path); err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("libp2pmesh: unmarshal key from %s: %w", path, err)
		}
		return priv, nil
	}

	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		return nil, fmt.Errorf("libp2pmesh: generate keypair: %w", err)
	}
	data, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("libp2pmesh: marshal private key: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("libp2pmesh: save key to %s: %w", path, err)
	}
	return priv, nil
}
