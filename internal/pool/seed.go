package pool

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Seed YAML describes platforms, exchanges, pools and credentials for a
// fresh database. Values may use ${VAR} / ${VAR:-default} references;
// callers expand them before handing the bytes to ApplySeed.
type seedFile struct {
	Platforms []seedPlatform `yaml:"platforms"`
	Exchanges []seedExchange `yaml:"exchanges"`
	Pools     []seedPool     `yaml:"pools"`
	APIKeys   []seedAPIKey   `yaml:"api_keys"`
	Direct    []seedDirect   `yaml:"direct_models"`
}

type seedPlatform struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Region   string `yaml:"region"`
	Exchange string `yaml:"exchange"`
}

type seedExchange struct {
	Name        string            `yaml:"name"`
	BaseURL     string            `yaml:"base_url"`
	Transformer string            `yaml:"transformer"`
	Config      map[string]string `yaml:"config"`
}

type seedPool struct {
	Name     string      `yaml:"name"`
	Type     string      `yaml:"type"`
	Default  bool        `yaml:"default"`
	Priority int         `yaml:"priority"`
	Callers  []string    `yaml:"callers"`
	Entries  []seedEntry `yaml:"entries"`
}

type seedEntry struct {
	Model    string `yaml:"model"`
	Platform string `yaml:"platform"`
	Priority int    `yaml:"priority"`
}

type seedAPIKey struct {
	Key     string `yaml:"key"`
	Caller  string `yaml:"caller"`
	UserID  string `yaml:"user_id"`
	GroupID string `yaml:"group_id"`
}

type seedDirect struct {
	Type     string `yaml:"type"`
	Model    string `yaml:"model"`
	Platform string `yaml:"platform"`
}

// ApplySeedFile reads a seed YAML and applies it to the store. The returned
// direct routes are not persisted; install them on the registry after
// LoadRegistry.
func (s *Store) ApplySeedFile(ctx context.Context, path string, expand func(string) string) ([]DirectRoute, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	if expand != nil {
		data = []byte(expand(string(data)))
	}
	return s.ApplySeed(ctx, data)
}

// ApplySeed upserts every seeded entity; reapplying the same file is a
// no-op. Order matters: exchanges before platforms, platforms before
// entries.
func (s *Store) ApplySeed(ctx context.Context, data []byte) ([]DirectRoute, error) {
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}

	exchangeIDs := map[string]int64{}
	for _, se := range seed.Exchanges {
		ex := &Exchange{
			Name:            se.Name,
			BaseURL:         se.BaseURL,
			TransformerType: se.Transformer,
			Config:          se.Config,
		}
		id, err := s.UpsertExchange(ctx, ex)
		if err != nil {
			return nil, fmt.Errorf("seed exchange %q: %w", se.Name, err)
		}
		exchangeIDs[se.Name] = id
	}

	platformIDs := map[string]int64{}
	for _, sp := range seed.Platforms {
		p := &Platform{
			Name:    sp.Name,
			Kind:    PlatformKind(sp.Kind),
			BaseURL: sp.BaseURL,
			APIKey:  sp.APIKey,
			Region:  sp.Region,
		}
		if sp.Exchange != "" {
			exID, ok := exchangeIDs[sp.Exchange]
			if !ok {
				return nil, fmt.Errorf("seed platform %q: unknown exchange %q", sp.Name, sp.Exchange)
			}
			p.ExchangeID = exID
		}
		id, err := s.UpsertPlatform(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("seed platform %q: %w", sp.Name, err)
		}
		platformIDs[sp.Name] = id
	}

	for _, sp := range seed.Pools {
		for _, code := range sp.Callers {
			if _, err := s.GetOrCreateAppCaller(ctx, code); err != nil {
				return nil, fmt.Errorf("seed caller %q: %w", code, err)
			}
		}
		p := &ModelPool{
			Name:             sp.Name,
			Type:             ModelType(sp.Type),
			IsDefaultForType: sp.Default,
			Priority:         sp.Priority,
			CallerCodes:      sp.Callers,
		}
		poolID, err := s.UpsertPool(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("seed pool %q: %w", sp.Name, err)
		}
		for _, se := range sp.Entries {
			platformID, ok := platformIDs[se.Platform]
			if !ok {
				return nil, fmt.Errorf("seed pool %q: entry %q references unknown platform %q", sp.Name, se.Model, se.Platform)
			}
			entry := &EntrySnapshot{
				PoolID:     poolID,
				ModelID:    se.Model,
				PlatformID: platformID,
				Priority:   se.Priority,
			}
			if _, err := s.InsertEntry(ctx, entry); err != nil {
				return nil, fmt.Errorf("seed pool %q entry %q: %w", sp.Name, se.Model, err)
			}
		}
	}

	for _, sk := range seed.APIKeys {
		if sk.Key == "" {
			continue
		}
		if _, err := s.GetOrCreateAppCaller(ctx, sk.Caller); err != nil {
			return nil, fmt.Errorf("seed caller %q: %w", sk.Caller, err)
		}
		rec := &APIKeyRecord{
			Key:        sk.Key,
			CallerCode: sk.Caller,
			UserID:     sk.UserID,
			GroupID:    sk.GroupID,
			Active:     true,
		}
		if err := s.InsertAPIKey(ctx, rec); err != nil {
			return nil, fmt.Errorf("seed api key for %q: %w", sk.Caller, err)
		}
	}

	var routes []DirectRoute
	for _, sd := range seed.Direct {
		platformID, ok := platformIDs[sd.Platform]
		if !ok {
			return nil, fmt.Errorf("seed direct route %q: unknown platform %q", sd.Type, sd.Platform)
		}
		routes = append(routes, DirectRoute{
			Type:       ModelType(sd.Type),
			ModelID:    sd.Model,
			PlatformID: platformID,
		})
	}

	log.Info().
		Int("platforms", len(seed.Platforms)).
		Int("exchanges", len(seed.Exchanges)).
		Int("pools", len(seed.Pools)).
		Int("direct_routes", len(routes)).
		Msg("seed applied")
	return routes, nil
}
