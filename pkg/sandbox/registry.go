package sandbox

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aexlabs/aex/pkg/database"
)

// ErrPluginNotFound covers both unknown and disabled plugins.
var ErrPluginNotFound = errors.New("tool plugin not found or disabled")

// PluginRecord is one row of the tool_plugins registry.
type PluginRecord struct {
	Name         string
	Version      string
	Entrypoint   string
	PackagePath  string
	SHA256       string
	ManifestJSON string
	Enabled      bool
	CreatedAt    time.Time
}

// Manifest is the parsed, clamped execution manifest of a plugin.
type Manifest struct {
	AllowedFS      []string
	NetPolicy      string
	TTL            time.Duration
	MaxOutputBytes int
	CostMicro      int64
}

// Registry reads and maintains the plugin table.
type Registry struct {
	client *database.Client
}

func NewRegistry(client *database.Client) *Registry {
	return &Registry{client: client}
}

// GetEnabled returns an enabled plugin by name.
func (r *Registry) GetEnabled(ctx context.Context, name string) (*PluginRecord, error) {
	row := r.client.DB().QueryRowContext(ctx, `
		SELECT name, version, entrypoint, package_path, sha256, manifest_json, enabled, created_at
		FROM tool_plugins
		WHERE name = $1 AND enabled = TRUE`, name)

	var p PluginRecord
	err := row.Scan(&p.Name, &p.Version, &p.Entrypoint, &p.PackagePath,
		&p.SHA256, &p.ManifestJSON, &p.Enabled, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading plugin %s: %w", name, err)
	}
	return &p, nil
}

// List returns every registered plugin.
func (r *Registry) List(ctx context.Context) ([]PluginRecord, error) {
	rows, err := r.client.DB().QueryContext(ctx, `
		SELECT name, version, entrypoint, package_path, sha256, manifest_json, enabled, created_at
		FROM tool_plugins ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing plugins: %w", err)
	}
	defer rows.Close()

	var out []PluginRecord
	for rows.Next() {
		var p PluginRecord
		if err := rows.Scan(&p.Name, &p.Version, &p.Entrypoint, &p.PackagePath,
			&p.SHA256, &p.ManifestJSON, &p.Enabled, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning plugin: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Install registers (or upgrades) a plugin from a YAML manifest after
// verifying the package digest. Plugins install disabled.
func (r *Registry) Install(ctx context.Context, manifestPath, packagePath string) (*PluginRecord, error) {
	manifestRaw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var manifest map[string]any
	if err := yaml.Unmarshal(manifestRaw, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	for _, key := range []string{"name", "version", "entrypoint", "sha256"} {
		if _, ok := manifest[key]; !ok {
			return nil, fmt.Errorf("manifest missing key %q", key)
		}
	}

	observedSHA, err := fileSHA256(packagePath)
	if err != nil {
		return nil, err
	}
	if expected, _ := manifest["sha256"].(string); expected != observedSHA {
		return nil, fmt.Errorf("plugin sha256 mismatch: manifest %s, package %s", manifest["sha256"], observedSHA)
	}

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}

	record := &PluginRecord{
		Name:         fmt.Sprintf("%v", manifest["name"]),
		Version:      fmt.Sprintf("%v", manifest["version"]),
		Entrypoint:   fmt.Sprintf("%v", manifest["entrypoint"]),
		PackagePath:  packagePath,
		SHA256:       observedSHA,
		ManifestJSON: string(manifestJSON),
	}
	_, err = r.client.DB().ExecContext(ctx, `
		INSERT INTO tool_plugins (name, version, entrypoint, package_path, sha256, manifest_json, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		ON CONFLICT (name) DO UPDATE SET
			version = EXCLUDED.version,
			entrypoint = EXCLUDED.entrypoint,
			package_path = EXCLUDED.package_path,
			sha256 = EXCLUDED.sha256,
			manifest_json = EXCLUDED.manifest_json`,
		record.Name, record.Version, record.Entrypoint, record.PackagePath,
		record.SHA256, record.ManifestJSON)
	if err != nil {
		return nil, fmt.Errorf("installing plugin %s: %w", record.Name, err)
	}
	return record, nil
}

// SetEnabled toggles a plugin.
func (r *Registry) SetEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := r.client.DB().ExecContext(ctx,
		`UPDATE tool_plugins SET enabled = $1 WHERE name = $2`, enabled, name)
	if err != nil {
		return fmt.Errorf("updating plugin %s: %w", name, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	return nil
}

// ParseManifest extracts and clamps the execution manifest from the stored
// JSON. Unknown or malformed fields fall back to safe defaults.
func (p *PluginRecord) ParseManifest() Manifest {
	var raw map[string]any
	_ = json.Unmarshal([]byte(p.ManifestJSON), &raw)
	if raw == nil {
		raw = map[string]any{}
	}

	manifest := Manifest{
		AllowedFS:      stringListField(raw, "allowed_fs"),
		NetPolicy:      "deny",
		TTL:            3 * time.Second,
		MaxOutputBytes: 65536,
		CostMicro:      500,
	}
	if policy, ok := raw["net_policy"].(string); ok && policy != "" {
		manifest.NetPolicy = policy
	}
	if ttl := intField(raw, "ttl_ms"); ttl != 0 {
		manifest.TTL = time.Duration(ttl) * time.Millisecond
	}
	manifest.TTL = clampDuration(manifest.TTL, 100*time.Millisecond, 60*time.Second)

	if bytesMax := intField(raw, "max_output_bytes"); bytesMax != 0 {
		manifest.MaxOutputBytes = int(bytesMax)
	}
	manifest.MaxOutputBytes = clampInt(manifest.MaxOutputBytes, 1024, 1_000_000)

	if cost, ok := raw["cost_micro"]; ok {
		manifest.CostMicro = intValue(cost)
	} else if cost, ok := raw["estimated_cost_micro"]; ok {
		manifest.CostMicro = intValue(cost)
	}
	manifest.CostMicro = clampInt64(manifest.CostMicro, 0, 10_000_000)

	// The package itself is always readable by its own plugin.
	if p.PackagePath != "" && !containsString(manifest.AllowedFS, p.PackagePath) {
		manifest.AllowedFS = append(manifest.AllowedFS, p.PackagePath)
	}
	return manifest
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening package: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing package: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
