// Package registry maps contract addresses to their ABIs and transformer
// bindings, and resolves event ABIs by signature topic.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/rs/zerolog"
)

// ABILoader loads contract ABIs from disk lazily and caches them
// process-wide, keyed by (abi_dir, abi_file).
type ABILoader struct {
	root  string
	mu    sync.RWMutex
	cache map[string]*abi.ABI
	log   zerolog.Logger
}

// NewABILoader creates a loader rooted at the ABI base directory.
func NewABILoader(root string, log zerolog.Logger) *ABILoader {
	return &ABILoader{
		root:  root,
		cache: make(map[string]*abi.ABI),
		log:   log.With().Str("component", "abi_loader").Logger(),
	}
}

// Load returns the parsed ABI for (dir, file), reading from disk on first use.
func (l *ABILoader) Load(dir, file string) (*abi.ABI, error) {
	key := filepath.Join(dir, file)

	l.mu.RLock()
	cached, ok := l.cache[key]
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	path := filepath.Join(l.root, dir, file)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ABI file %s: %w", path, err)
	}

	parsed, err := ParseABI(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI file %s: %w", path, err)
	}

	l.mu.Lock()
	l.cache[key] = parsed
	l.mu.Unlock()

	l.log.Debug().Str("abi", key).Int("events", len(parsed.Events)).Msg("ABI loaded")
	return parsed, nil
}

// ParseABI accepts either a bare array of ABI entries or an object with an
// "abi" field holding the array.
func ParseABI(data []byte) (*abi.ABI, error) {
	entries := data
	var wrapper struct {
		ABI json.RawMessage `json:"abi"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && len(wrapper.ABI) > 0 {
		entries = wrapper.ABI
	}

	var parsed abi.ABI
	if err := json.Unmarshal(entries, &parsed); err != nil {
		return nil, fmt.Errorf("invalid ABI JSON: %w", err)
	}
	return &parsed, nil
}
