package supervisor

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// BootstrapConfig is the payload handed to a detached worker as its single
// argument. Base64-wrapped JSON keeps shells and process tables clean, and
// the reconciler's scan decodes it to recover the session id from argv.
type BootstrapConfig struct {
	SessionID        string  `json:"sessionId"`
	Task             string  `json:"task"`
	WorkingDirectory string  `json:"workingDirectory,omitempty"`
	Options          Options `json:"options"`
}

// EncodeBootstrap serializes cfg for the worker argv.
func EncodeBootstrap(cfg BootstrapConfig) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encoding bootstrap config: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeBootstrap parses a worker argv payload. Unknown fields are ignored
// so an older worker binary tolerates a newer spawner.
func DecodeBootstrap(arg string) (BootstrapConfig, error) {
	raw, err := base64.StdEncoding.DecodeString(arg)
	if err != nil {
		return BootstrapConfig{}, fmt.Errorf("decoding bootstrap config: %w", err)
	}
	var cfg BootstrapConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return BootstrapConfig{}, fmt.Errorf("parsing bootstrap config: %w", err)
	}
	if cfg.SessionID == "" {
		return BootstrapConfig{}, errors.New("bootstrap config missing session id")
	}
	return cfg, nil
}
