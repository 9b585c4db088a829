package registration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DefaultRegistrationCachePath is the default path for the committed registration cache
const DefaultRegistrationCachePath = ".registration-cache.json"

// CommittedRegistration stores one method's committed transform alongside its metadata
type CommittedRegistration struct {
	Transform   Matrix4 `json:"transform"`
	FRE         float64 `json:"fre,omitempty"`
	SessionID   string  `json:"sessionId,omitempty"`
	LastUpdated int64   `json:"lastUpdated"`
}

// RegistrationCache persists committed registrations and the last pivot
// calibration across service restarts.
type RegistrationCache struct {
	Methods     map[MethodKind]CommittedRegistration `json:"methods"`
	TipOffsets  map[string]Vec3                      `json:"tipOffsets,omitempty"`
	LastUpdated int64                                `json:"lastUpdated"`
}

// NewRegistrationCache returns an empty cache
func NewRegistrationCache() *RegistrationCache {
	return &RegistrationCache{
		Methods:    make(map[MethodKind]CommittedRegistration),
		TipOffsets: make(map[string]Vec3),
	}
}

// LoadRegistrationCache loads the cache from a JSON file.
// A missing file is not an error; it returns nil, nil.
func LoadRegistrationCache(path string) (*RegistrationCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No cache yet
		}
		return nil, fmt.Errorf("reading registration cache: %w", err)
	}

	var cache RegistrationCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("parsing registration cache: %w", err)
	}
	if cache.Methods == nil {
		cache.Methods = make(map[MethodKind]CommittedRegistration)
	}
	if cache.TipOffsets == nil {
		cache.TipOffsets = make(map[string]Vec3)
	}

	return &cache, nil
}

// SaveRegistrationCache saves the cache to a JSON file
func SaveRegistrationCache(path string, cache *RegistrationCache) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	cache.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling registration cache: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing registration cache: %w", err)
	}

	return nil
}

// GetTransform returns the committed transform for a method, or identity if none
func (c *RegistrationCache) GetTransform(kind MethodKind) Matrix4 {
	if c == nil || c.Methods == nil {
		return Identity()
	}
	if r, ok := c.Methods[kind]; ok {
		return r.Transform
	}
	return Identity()
}

// SetTransform records a committed transform for a method
func (c *RegistrationCache) SetTransform(kind MethodKind, m Matrix4, fre float64, sessionID string) {
	if c.Methods == nil {
		c.Methods = make(map[MethodKind]CommittedRegistration)
	}
	c.Methods[kind] = CommittedRegistration{
		Transform:   m,
		FRE:         fre,
		SessionID:   sessionID,
		LastUpdated: time.Now().Unix(),
	}
}

// SetTipOffset records a pivot-calibrated tip offset (tool frame, meters)
func (c *RegistrationCache) SetTipOffset(toolID string, offset Vec3) {
	if c.TipOffsets == nil {
		c.TipOffsets = make(map[string]Vec3)
	}
	c.TipOffsets[toolID] = offset
}

// TipOffset returns the cached tip offset for a tool
func (c *RegistrationCache) TipOffset(toolID string) (Vec3, bool) {
	if c == nil || c.TipOffsets == nil {
		return Vec3{}, false
	}
	v, ok := c.TipOffsets[toolID]
	return v, ok
}

// CacheStatus summarizes the cache for status endpoints
type CacheStatus struct {
	Methods     []MethodKind `json:"methods"`
	Tools       []string     `json:"tools"`
	LastUpdated time.Time    `json:"lastUpdated"`
}

// GetStatus returns the current cache status
func (c *RegistrationCache) GetStatus() CacheStatus {
	var status CacheStatus
	if c == nil {
		return status
	}
	status.LastUpdated = time.Unix(c.LastUpdated, 0)
	for k := range c.Methods {
		status.Methods = append(status.Methods, k)
	}
	for id := range c.TipOffsets {
		status.Tools = append(status.Tools, id)
	}
	sort.Slice(status.Methods, func(i, j int) bool { return status.Methods[i] < status.Methods[j] })
	sort.Strings(status.Tools)
	return status
}

// NeedsRefresh reports whether the method has no committed registration or
// it was committed more than maxAge ago
func (c *RegistrationCache) NeedsRefresh(kind MethodKind, maxAge time.Duration) bool {
	if c == nil {
		return true
	}
	r, ok := c.Methods[kind]
	if !ok || r.LastUpdated == 0 {
		return true
	}
	return time.Since(time.Unix(r.LastUpdated, 0)) > maxAge
}
