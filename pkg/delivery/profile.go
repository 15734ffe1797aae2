package delivery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mova-labs/ocp/pkg/contracts"
)

// DefaultProfileID is used when neither the request nor the environment
// selects a profile.
const DefaultProfileID = "default"

// Profiles resolves policy profiles by id from an optional directory of JSON
// or YAML documents. The built-in default profile is deny-everything: no
// allowed targets, HMAC required, real send off.
type Profiles struct {
	dir string

	mu    sync.Mutex
	cache map[string]contracts.PolicyProfile
}

// NewProfiles builds a resolver over dir. An empty dir serves only the
// built-in default.
func NewProfiles(dir string) *Profiles {
	return &Profiles{dir: dir, cache: make(map[string]contracts.PolicyProfile)}
}

// Load resolves id, falling back to the built-in default profile for
// DefaultProfileID. Profiles are cached after first load.
func (p *Profiles) Load(id string) (contracts.PolicyProfile, error) {
	if id == "" {
		id = DefaultProfileID
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if prof, ok := p.cache[id]; ok {
		return prof, nil
	}

	prof, err := p.read(id)
	if err != nil {
		return contracts.PolicyProfile{}, err
	}
	p.cache[id] = prof
	return prof, nil
}

func (p *Profiles) read(id string) (contracts.PolicyProfile, error) {
	if p.dir != "" {
		for _, ext := range []string{".json", ".yaml", ".yml"} {
			path := filepath.Join(p.dir, id+ext)
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return contracts.PolicyProfile{}, fmt.Errorf("policy profile %q: %w", id, err)
			}
			return parseProfile(id, path, data)
		}
	}
	if id == DefaultProfileID {
		return builtinDefault(), nil
	}
	return contracts.PolicyProfile{}, fmt.Errorf("policy profile %q not found", id)
}

func parseProfile(id, path string, data []byte) (contracts.PolicyProfile, error) {
	var prof contracts.PolicyProfile
	var err error
	if filepath.Ext(path) == ".json" {
		err = json.Unmarshal(data, &prof)
	} else {
		err = yaml.Unmarshal(data, &prof)
	}
	if err != nil {
		return contracts.PolicyProfile{}, fmt.Errorf("policy profile %q: %w", id, err)
	}
	if prof.ID == "" {
		prof.ID = id
	}
	if prof.TimeoutMs <= 0 {
		prof.TimeoutMs = defaultTimeoutMs
	}
	if prof.MaxAttempts <= 0 {
		prof.MaxAttempts = 1
	}
	return prof, nil
}

const defaultTimeoutMs = 10000

// builtinDefault denies all real sends: every field that could open an
// outbound path is off.
func builtinDefault() contracts.PolicyProfile {
	return contracts.PolicyProfile{
		ID:              DefaultProfileID,
		AllowedTargets:  nil,
		RequireHMAC:     true,
		TimeoutMs:       defaultTimeoutMs,
		MaxPayloadBytes: 1 << 20,
		AllowRealSend:   false,
		RetryEnabled:    false,
		MaxAttempts:     1,
	}
}
