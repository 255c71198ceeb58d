package config

import (
	"encoding/json"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"voice-gateway/pkg/errors"
)

// DefaultTenantKey names the tenant document used for DIDs without their own entry
const DefaultTenantKey = "default"

// TenantConfig is one DID's overrides. Zero values inherit the base configuration.
type TenantConfig struct {
	Name         string `json:"name"`
	Flavor       string `json:"flavor,omitempty"`
	Greeting     string `json:"greeting,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	Voice        string `json:"voice,omitempty"`
	Model        string `json:"model,omitempty"`

	// Tools offered to the AI session; empty means every registered tool
	Tools []string `json:"tools,omitempty"`

	// Replacement descriptions for tool schemas, keyed by tool name
	ToolDescriptions map[string]string `json:"tool_descriptions,omitempty"`

	// Codec names allowed for this DID, in no particular order
	Codecs []string `json:"codecs,omitempty"`

	STT *STTTuning `json:"stt,omitempty"`

	// Known misrecognitions, replaced in flushed transcripts
	Corrections map[string]string `json:"corrections,omitempty"`

	// Source IPs or CIDRs that skip caller-number validation
	IPAllowlist []string `json:"ip_allowlist,omitempty"`

	CallerValidation *CallerRules `json:"caller_validation,omitempty"`

	// SIP URI for transfer_call
	TransferTarget string `json:"transfer_target,omitempty"`
}

// STTTuning overrides the STT defaults for a tenant
type STTTuning struct {
	LanguageHints []string `json:"language_hints,omitempty"`
	Context       []string `json:"context,omitempty"`
	FlushDelayMs  int      `json:"flush_delay_ms,omitempty"`
	Model         string   `json:"model,omitempty"`
}

// CallerRules validates the calling number for tenants that only accept mobile callers
type CallerRules struct {
	Enabled         bool     `json:"enabled"`
	AllowedPrefixes []string `json:"allowed_prefixes"`
	MinLength       int      `json:"min_length,omitempty"`
	MaxLength       int      `json:"max_length,omitempty"`
}

// Allows reports whether number satisfies the rules
func (r *CallerRules) Allows(number string) bool {
	if r == nil || !r.Enabled {
		return true
	}

	number = NormalizeNumber(number)
	if r.MinLength > 0 && len(number) < r.MinLength {
		return false
	}
	if r.MaxLength > 0 && len(number) > r.MaxLength {
		return false
	}
	if len(r.AllowedPrefixes) == 0 {
		return true
	}
	for _, prefix := range r.AllowedPrefixes {
		if strings.HasPrefix(number, prefix) {
			return true
		}
	}
	return false
}

// NormalizeNumber strips a leading + and international 00/98 forms down to a national number
func NormalizeNumber(number string) string {
	number = strings.TrimSpace(number)
	number = strings.TrimPrefix(number, "+")
	switch {
	case strings.HasPrefix(number, "0098"):
		number = "0" + number[4:]
	case strings.HasPrefix(number, "98") && len(number) > 10:
		number = "0" + number[2:]
	}
	return number
}

// Tenants holds all tenant documents keyed by DID
type Tenants struct {
	mu    sync.RWMutex
	byDID map[string]TenantConfig
}

// NewTenants wraps an already decoded tenant map
func NewTenants(byDID map[string]TenantConfig) *Tenants {
	if byDID == nil {
		byDID = make(map[string]TenantConfig)
	}
	return &Tenants{byDID: byDID}
}

// LoadTenants reads the tenant JSON document from path
func LoadTenants(path string) (*Tenants, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read tenants file")
	}

	var byDID map[string]TenantConfig
	if err := json.Unmarshal(data, &byDID); err != nil {
		return nil, errors.Wrap(err, "failed to parse tenants file")
	}

	for did, tenant := range byDID {
		for _, entry := range tenant.IPAllowlist {
			if _, err := parseAllowEntry(entry); err != nil {
				return nil, errors.NewInvalidInput("invalid ip_allowlist entry", map[string]interface{}{
					"did":   did,
					"entry": entry,
				})
			}
		}
	}

	return NewTenants(byDID), nil
}

// Len returns the number of configured DIDs, including the default entry
func (t *Tenants) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byDID)
}

// Replace swaps in the documents of other. Calls already set up keep their resolved profile.
func (t *Tenants) Replace(other *Tenants) {
	other.mu.RLock()
	byDID := other.byDID
	other.mu.RUnlock()

	t.mu.Lock()
	t.byDID = byDID
	t.mu.Unlock()
}

// Lookup returns the document for did, falling back to the default entry
func (t *Tenants) Lookup(did string) (TenantConfig, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if tenant, ok := t.byDID[did]; ok {
		return tenant, true
	}
	if tenant, ok := t.byDID[NormalizeNumber(did)]; ok {
		return tenant, true
	}
	tenant, ok := t.byDID[DefaultTenantKey]
	return tenant, ok
}

// CallProfile is the fully resolved, read-only configuration of one call
type CallProfile struct {
	DID          string
	TenantName   string
	Flavor       string
	Greeting     string
	Instructions string
	Voice        string
	Model        string

	Tools            []string
	ToolDescriptions map[string]string
	Codecs           []string

	LanguageHints []string
	STTContext    []string
	STTModel      string
	FlushDelay    time.Duration

	Corrections    map[string]string
	IPAllowlist    []*net.IPNet
	CallerRules    *CallerRules
	TransferTarget string

	VADThreshold       float64
	VADPrefixPadding   time.Duration
	VADSilenceDuration time.Duration
}

// Resolve layers the tenant document for the call over the base configuration.
// The originally dialed number wins over the current one when both are known.
func (t *Tenants) Resolve(base *Config, currentDID, originalDID string) (*CallProfile, error) {
	did := currentDID
	if originalDID != "" {
		did = originalDID
	}

	tenant, ok := t.Lookup(did)
	if !ok && t.Len() > 0 {
		return nil, errors.Newf(errors.ErrUnknownDID, "no tenant configured for %s", did)
	}

	profile := &CallProfile{
		DID:                did,
		TenantName:         tenant.Name,
		Flavor:             firstNonEmpty(tenant.Flavor, base.AI.DefaultFlavor),
		Greeting:           tenant.Greeting,
		Instructions:       firstNonEmpty(tenant.Instructions, base.AI.Instructions),
		Voice:              firstNonEmpty(tenant.Voice, base.AI.Voice),
		Model:              firstNonEmpty(tenant.Model, base.AI.Model),
		Tools:              append([]string(nil), tenant.Tools...),
		ToolDescriptions:   copyStringMap(tenant.ToolDescriptions),
		Codecs:             append([]string(nil), tenant.Codecs...),
		LanguageHints:      append([]string(nil), base.STT.LanguageHints...),
		STTModel:           base.STT.Model,
		FlushDelay:         base.STT.FlushDelay,
		Corrections:        copyStringMap(tenant.Corrections),
		CallerRules:        tenant.CallerValidation,
		TransferTarget:     tenant.TransferTarget,
		VADThreshold:       base.AI.VADThreshold,
		VADPrefixPadding:   base.AI.VADPrefixPadding,
		VADSilenceDuration: base.AI.VADSilenceDuration,
	}

	if tenant.STT != nil {
		if len(tenant.STT.LanguageHints) > 0 {
			profile.LanguageHints = append([]string(nil), tenant.STT.LanguageHints...)
		}
		profile.STTContext = append([]string(nil), tenant.STT.Context...)
		if tenant.STT.FlushDelayMs > 0 {
			profile.FlushDelay = time.Duration(tenant.STT.FlushDelayMs) * time.Millisecond
		}
		profile.STTModel = firstNonEmpty(tenant.STT.Model, profile.STTModel)
	}

	for _, entry := range tenant.IPAllowlist {
		ipNet, err := parseAllowEntry(entry)
		if err != nil {
			return nil, errors.Wrap(err, "invalid ip_allowlist entry").WithField("entry", entry)
		}
		profile.IPAllowlist = append(profile.IPAllowlist, ipNet)
	}

	return profile, nil
}

// AllowsIP reports whether ip is in the tenant allowlist
func (p *CallProfile) AllowsIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, ipNet := range p.IPAllowlist {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// ToolAllowed reports whether the tenant exposes the named tool
func (p *CallProfile) ToolAllowed(name string) bool {
	if len(p.Tools) == 0 {
		return true
	}
	for _, tool := range p.Tools {
		if tool == name {
			return true
		}
	}
	return false
}

func parseAllowEntry(entry string) (*net.IPNet, error) {
	if strings.Contains(entry, "/") {
		_, ipNet, err := net.ParseCIDR(entry)
		return ipNet, err
	}

	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, errors.NewInvalidInput("not an IP address: " + entry)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func copyStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
