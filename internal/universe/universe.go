// Package universe persists named canvas documents with linear version
// history under <root>/.fortistate-universes/<id>/.
package universe

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("universe not found")
	ErrBadInput = errors.New("invalid universe input")
)

// CanvasState is the drawable document: nodes, edges, and the viewport.
type CanvasState struct {
	Nodes    []json.RawMessage `json:"nodes"`
	Edges    []json.RawMessage `json:"edges"`
	Viewport json.RawMessage   `json:"viewport"`
}

func (c *CanvasState) valid() bool {
	return c != nil && c.Nodes != nil && c.Edges != nil && len(c.Viewport) > 0
}

// Version is one snapshot of a universe's canvas.
type Version struct {
	ID             string           `json:"id"`
	Label          string           `json:"label,omitempty"`
	Description    string           `json:"description,omitempty"`
	CreatedAt      int64            `json:"createdAt"`
	CreatedBy      string           `json:"createdBy,omitempty"`
	CanvasState    CanvasState      `json:"canvasState"`
	Bindings       []map[string]any `json:"bindings"`
	LastRunSummary json.RawMessage  `json:"lastRunSummary,omitempty"`
}

// Universe is the persisted metadata document.
type Universe struct {
	ID                string         `json:"id"`
	Label             string         `json:"label"`
	Description       string         `json:"description,omitempty"`
	Icon              string         `json:"icon,omitempty"`
	CreatedAt         int64          `json:"createdAt"`
	UpdatedAt         int64          `json:"updatedAt"`
	OwnerID           string         `json:"ownerId"`
	MarketTags        []string       `json:"marketTags"`
	ActiveVersionID   *string        `json:"activeVersionId"`
	VersionIDs        []string       `json:"versionIds"`
	IntegrationCounts map[string]int `json:"integrationCounts"`
	DataSensitivity   string         `json:"dataSensitivity,omitempty"`
}

// Launch is the acknowledgment for a queued launch request.
type Launch struct {
	LaunchID   string `json:"launchId"`
	UniverseID string `json:"universeId"`
	Status     string `json:"status"`
	QueuedAt   int64  `json:"queuedAt"`
}

// CanvasRequest creates or updates a universe from a canvas document.
type CanvasRequest struct {
	ID              string           `json:"id,omitempty"`
	Label           string           `json:"label"`
	Description     string           `json:"description,omitempty"`
	Icon            string           `json:"icon,omitempty"`
	OwnerID         string           `json:"ownerId,omitempty"`
	MarketTags      []string         `json:"marketTags,omitempty"`
	DataSensitivity string           `json:"dataSensitivity,omitempty"`
	Canvas          *CanvasState     `json:"canvas"`
	Bindings        []map[string]any `json:"bindings,omitempty"`
	VersionID       string           `json:"versionId,omitempty"`
	VersionLabel    string           `json:"versionLabel,omitempty"`
	CreatedBy       string           `json:"createdBy,omitempty"`
}

// MetaRequest creates a universe without canvas content.
type MetaRequest struct {
	ID              string   `json:"id"`
	Label           string   `json:"label"`
	Description     string   `json:"description,omitempty"`
	Icon            string   `json:"icon,omitempty"`
	OwnerID         string   `json:"ownerId"`
	MarketTags      []string `json:"marketTags,omitempty"`
	DataSensitivity string   `json:"dataSensitivity,omitempty"`
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowers a label to `[a-z0-9]+(-[a-z0-9]+)*`.
func Slugify(label string) string {
	return strings.Trim(slugStrip.ReplaceAllString(strings.ToLower(label), "-"), "-")
}

// Registry is the on-disk universe store.
type Registry struct {
	dir    string
	logger *slog.Logger
}

// NewRegistry creates a registry under <root>/.fortistate-universes.
func NewRegistry(root string, logger *slog.Logger) *Registry {
	return &Registry{
		dir:    filepath.Join(root, ".fortistate-universes"),
		logger: logger.With("component", "universes"),
	}
}

// Dir returns the registry root directory.
func (r *Registry) Dir() string { return r.dir }

// List reads every subdirectory's meta.json, skipping unreadable or
// malformed entries, sorted by creation time.
func (r *Registry) List() []*Universe {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil
	}

	var out []*Universe
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		u, err := r.Get(e.Name())
		if err != nil {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// Get reads one universe's metadata.
func (r *Registry) Get(id string) (*Universe, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, id, "meta.json"))
	if err != nil {
		return nil, ErrNotFound
	}
	var u Universe
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("malformed meta for %s: %w", id, err)
	}
	return &u, nil
}

// GetVersion reads one version document.
func (r *Registry) GetVersion(id, versionID string) (*Version, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, id, "versions", versionID+".json"))
	if err != nil {
		return nil, ErrNotFound
	}
	var v Version
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("malformed version %s/%s: %w", id, versionID, err)
	}
	return &v, nil
}

// SaveCanvas creates or updates a universe from a canvas request: allocates
// ids, appends the version, recomputes integration counts, and persists.
func (r *Registry) SaveCanvas(req *CanvasRequest) (*Universe, *Version, error) {
	if !req.Canvas.valid() {
		return nil, nil, fmt.Errorf("%w: canvas with nodes, edges and viewport required", ErrBadInput)
	}
	if req.Label == "" && req.ID == "" {
		return nil, nil, fmt.Errorf("%w: label required", ErrBadInput)
	}

	now := time.Now().UnixMilli()

	id := req.ID
	var u *Universe
	if id != "" {
		if existing, err := r.Get(id); err == nil {
			u = existing
		}
	} else {
		id = r.uniqueID(Slugify(req.Label))
	}

	if u == nil {
		u = &Universe{
			ID:         id,
			CreatedAt:  now,
			MarketTags: []string{},
			VersionIDs: []string{},
		}
	}

	if req.Label != "" {
		u.Label = req.Label
	}
	if req.Description != "" {
		u.Description = req.Description
	}
	if req.Icon != "" {
		u.Icon = req.Icon
	}
	if req.OwnerID != "" {
		u.OwnerID = req.OwnerID
	}
	if req.MarketTags != nil {
		u.MarketTags = req.MarketTags
	}
	if req.DataSensitivity != "" {
		u.DataSensitivity = req.DataSensitivity
	}

	versionID := req.VersionID
	if versionID == "" {
		versionID = newVersionID(len(u.VersionIDs) + 1)
	}
	v := &Version{
		ID:          versionID,
		Label:       req.VersionLabel,
		CreatedAt:   now,
		CreatedBy:   req.CreatedBy,
		CanvasState: *req.Canvas,
		Bindings:    req.Bindings,
	}
	if v.Bindings == nil {
		v.Bindings = []map[string]any{}
	}

	u.VersionIDs = append(u.VersionIDs, versionID)
	u.ActiveVersionID = &versionID
	u.IntegrationCounts = countIntegrations(v.Bindings)
	u.UpdatedAt = now

	if err := r.persist(u, v); err != nil {
		return nil, nil, err
	}
	return u, v, nil
}

// CreateMeta creates an empty universe from explicit metadata.
func (r *Registry) CreateMeta(req *MetaRequest) (*Universe, error) {
	if req.ID == "" || req.Label == "" || req.OwnerID == "" {
		return nil, fmt.Errorf("%w: id, label and ownerId required", ErrBadInput)
	}

	now := time.Now().UnixMilli()
	u := &Universe{
		ID:                req.ID,
		Label:             req.Label,
		Description:       req.Description,
		Icon:              req.Icon,
		CreatedAt:         now,
		UpdatedAt:         now,
		OwnerID:           req.OwnerID,
		MarketTags:        req.MarketTags,
		VersionIDs:        []string{},
		IntegrationCounts: map[string]int{},
		DataSensitivity:   req.DataSensitivity,
	}
	if u.MarketTags == nil {
		u.MarketTags = []string{}
	}

	if err := r.persist(u, nil); err != nil {
		return nil, err
	}
	return u, nil
}

// AddVersion appends a version to an existing universe.
func (r *Registry) AddVersion(id string, req *CanvasRequest) (*Universe, *Version, error) {
	u, err := r.Get(id)
	if err != nil {
		return nil, nil, err
	}
	if !req.Canvas.valid() {
		return nil, nil, fmt.Errorf("%w: canvas with nodes, edges and viewport required", ErrBadInput)
	}

	now := time.Now().UnixMilli()
	versionID := req.VersionID
	if versionID == "" {
		versionID = newVersionID(len(u.VersionIDs) + 1)
	}
	v := &Version{
		ID:          versionID,
		Label:       req.VersionLabel,
		CreatedAt:   now,
		CreatedBy:   req.CreatedBy,
		CanvasState: *req.Canvas,
		Bindings:    req.Bindings,
	}
	if v.Bindings == nil {
		v.Bindings = []map[string]any{}
	}

	u.VersionIDs = append(u.VersionIDs, versionID)
	if u.ActiveVersionID == nil {
		u.ActiveVersionID = &versionID
	}
	u.UpdatedAt = now

	if err := r.persist(u, v); err != nil {
		return nil, nil, err
	}
	return u, v, nil
}

// Delete removes a universe directory recursively.
func (r *Registry) Delete(id string) error {
	dir := filepath.Join(r.dir, id)
	if _, err := os.Stat(dir); err != nil {
		return ErrNotFound
	}
	return os.RemoveAll(dir)
}

// QueueLaunch verifies the universe and issues a queued launch id.
// Execution itself happens elsewhere.
func (r *Registry) QueueLaunch(id string) (*Launch, error) {
	if _, err := r.Get(id); err != nil {
		return nil, err
	}
	now := time.Now()
	return &Launch{
		LaunchID:   fmt.Sprintf("launch-%s-%s", strconv.FormatInt(now.UnixMilli(), 36), randBase36(4)),
		UniverseID: id,
		Status:     "queued",
		QueuedAt:   now.UnixMilli(),
	}, nil
}

// uniqueID appends -1, -2, … to the base slug until no directory collides.
func (r *Registry) uniqueID(base string) string {
	if base == "" {
		base = "universe"
	}
	id := base
	for n := 1; ; n++ {
		if _, err := os.Stat(filepath.Join(r.dir, id)); os.IsNotExist(err) {
			return id
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

func (r *Registry) persist(u *Universe, v *Version) error {
	dir := filepath.Join(r.dir, u.ID)
	if err := os.MkdirAll(filepath.Join(dir, "versions"), 0o755); err != nil {
		return fmt.Errorf("create universe dir: %w", err)
	}

	meta, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), meta, 0o644); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}

	if v != nil {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, "versions", v.ID+".json"), data, 0o644); err != nil {
			return fmt.Errorf("write version: %w", err)
		}
	}
	return nil
}

func countIntegrations(bindings []map[string]any) map[string]int {
	counts := map[string]int{}
	for _, b := range bindings {
		if provider, ok := b["providerId"].(string); ok && provider != "" {
			counts[provider]++
		}
	}
	return counts
}

// newVersionID builds "v<N>-<last 4 base36 chars of now>".
func newVersionID(n int) string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	if len(ts) > 4 {
		ts = ts[len(ts)-4:]
	}
	return fmt.Sprintf("v%d-%s", n, ts)
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

func randBase36(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = base36[rand.Intn(36)]
	}
	return string(b)
}
