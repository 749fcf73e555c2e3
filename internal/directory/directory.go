// Package directory serves agents, catalog items and signing keys from a
// YAML file.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ashureev/dealbroker/internal/domain"
	"github.com/ashureev/dealbroker/internal/payment"
	"gopkg.in/yaml.v3"
)

type fileFormat struct {
	Agents []domain.Agent    `yaml:"agents"`
	Items  []domain.Item     `yaml:"items"`
	Keys   map[string]string `yaml:"keys"`
}

type snapshot struct {
	agents map[string]domain.Agent
	items  map[string]domain.Item
	keys   map[string]string
}

// File is a directory backed by a YAML document. Reload swaps the contents
// atomically; readers always see a complete snapshot.
type File struct {
	path   string
	secret string
	logger *slog.Logger

	mu   sync.RWMutex
	snap *snapshot
}

// LoadFile reads the directory at path. secret decrypts sealed keys.
func LoadFile(path, secret string, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &File{path: path, secret: secret, logger: logger}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Parse builds a directory from an in-memory YAML document.
func Parse(data []byte, secret string) (*File, error) {
	snap, err := parse(data)
	if err != nil {
		return nil, err
	}
	return &File{secret: secret, logger: slog.Default(), snap: snap}, nil
}

// Reload re-reads the backing file.
func (f *File) Reload() error {
	if f.path == "" {
		return fmt.Errorf("directory has no backing file")
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read directory file: %w", err)
	}
	snap, err := parse(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", f.path, err)
	}

	f.mu.Lock()
	f.snap = snap
	f.mu.Unlock()

	f.logger.Info("Directory loaded",
		"path", f.path,
		"agents", len(snap.agents),
		"items", len(snap.items),
		"keys", len(snap.keys))
	return nil
}

func parse(data []byte) (*snapshot, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}

	snap := &snapshot{
		agents: make(map[string]domain.Agent, len(doc.Agents)),
		items:  make(map[string]domain.Item, len(doc.Items)),
		keys:   make(map[string]string, len(doc.Keys)),
	}
	for _, a := range doc.Agents {
		if a.Ref == "" {
			return nil, fmt.Errorf("agent without id")
		}
		if _, dup := snap.agents[a.Ref]; dup {
			return nil, fmt.Errorf("duplicate agent %q", a.Ref)
		}
		role, err := normalizeRole(string(a.Role))
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", a.Ref, err)
		}
		a.Role = role
		snap.agents[a.Ref] = a
	}
	for _, it := range doc.Items {
		if it.Ref == "" {
			return nil, fmt.Errorf("item without id")
		}
		if _, dup := snap.items[it.Ref]; dup {
			return nil, fmt.Errorf("duplicate item %q", it.Ref)
		}
		if it.ListPrice.IsNegative() {
			return nil, fmt.Errorf("item %q: negative list price", it.Ref)
		}
		snap.items[it.Ref] = it
	}
	for ref, k := range doc.Keys {
		snap.keys[ref] = k
	}
	return snap, nil
}

// normalizeRole maps directory role names onto negotiation roles.
func normalizeRole(r string) (domain.Role, error) {
	switch strings.ToLower(strings.TrimSpace(r)) {
	case "buyer", "client":
		return domain.RoleBuyer, nil
	case "seller", "merchant":
		return domain.RoleSeller, nil
	default:
		return "", fmt.Errorf("unknown role %q", r)
	}
}

func (f *File) current() *snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snap
}

// GetAgent returns the agent registered under ref, or nil.
func (f *File) GetAgent(_ context.Context, ref string) (*domain.Agent, error) {
	a, ok := f.current().agents[ref]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

// Agents returns every registered agent ordered by ref.
func (f *File) Agents() []domain.Agent {
	snap := f.current()
	out := make([]domain.Agent, 0, len(snap.agents))
	for _, a := range snap.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out
}

// GetItem returns the catalog item ref, or nil.
func (f *File) GetItem(_ context.Context, ref string) (*domain.Item, error) {
	it, ok := f.current().items[ref]
	if !ok {
		return nil, nil
	}
	return &it, nil
}

// GetSigningKey decrypts the signing key of agent ref.
func (f *File) GetSigningKey(_ context.Context, ref string) (payment.KeyHandle, error) {
	stored, ok := f.current().keys[ref]
	if !ok {
		return nil, fmt.Errorf("signing key for %s: %w", ref, domain.ErrNotFound)
	}
	priv, err := OpenKey(stored, f.secret)
	if err != nil {
		return nil, fmt.Errorf("signing key for %s: %w", ref, err)
	}
	return newSigningKey(priv), nil
}
