package secrets

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"shipyard/api/model"
)

const SecretFile = "secrets.enc.yaml"

// Manager reads SOPS-encrypted secret files that sit next to a service's
// deployspec.yaml and turns them into container environment entries.
type Manager struct {
	dir     string
	decrypt func(ctx context.Context, path string) ([]byte, error)
}

func NewManager(descriptorsDir string) *Manager {
	return &Manager{dir: descriptorsDir, decrypt: sopsDecrypt}
}

// Path returns the secrets file for a descriptor.
func (m *Manager) Path(desc *model.Descriptor) string {
	dir := desc.Dir
	if dir == "" {
		dir = filepath.Join(m.dir, desc.Service)
	}
	return filepath.Join(dir, SecretFile)
}

// Keys returns the secret names (not values) for a service, sorted. A
// service without a secrets file has none.
func (m *Manager) Keys(ctx context.Context, desc *model.Descriptor) ([]string, error) {
	data, err := m.load(ctx, desc)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Env decrypts the service's secrets as environment entries sorted by name.
func (m *Manager) Env(ctx context.Context, desc *model.Descriptor) ([]model.EnvVar, error) {
	data, err := m.load(ctx, desc)
	if err != nil {
		return nil, err
	}
	env := make([]model.EnvVar, 0, len(data))
	for k, v := range data {
		env = append(env, model.EnvVar{Name: k, Value: v})
	}
	sort.Slice(env, func(i, j int) bool { return env[i].Name < env[j].Name })
	return env, nil
}

func (m *Manager) load(ctx context.Context, desc *model.Descriptor) (map[string]string, error) {
	path := m.Path(desc)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	out, err := m.decrypt(ctx, path)
	if err != nil {
		return nil, err
	}
	var data map[string]string
	if err := yaml.Unmarshal(out, &data); err != nil {
		return nil, fmt.Errorf("unmarshal secrets for %s: %w", desc.Service, err)
	}
	return data, nil
}

func sopsDecrypt(ctx context.Context, path string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, "sops", "--decrypt", path).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("sops decrypt: %s", string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("sops decrypt: %w", err)
	}
	return out, nil
}
