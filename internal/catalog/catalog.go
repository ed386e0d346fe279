// Package catalog owns CanonicalField and TenantActivation (C2): which
// (table, field) pairs are indexable, and which of those are active for
// a given tenant. It is the only writer of either entity.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/indexwarden/indexwarden/internal/config"
	"github.com/indexwarden/indexwarden/internal/dbgateway"
	"github.com/indexwarden/indexwarden/internal/logging"
)

// CanonicalField is the universe of (table, field, type, indexable?).
type CanonicalField struct {
	ID        int64          `db:"id"`
	TableName string         `db:"table_name"`
	Name      string         `db:"name"`
	Type      string         `db:"type"`
	Indexable bool           `db:"indexable"`
	Tags      map[string]any `db:"-"`
	TagsJSON  []byte         `db:"tags"`
	CreatedAt time.Time      `db:"created_at"`
}

// DecodeTags unmarshals the raw tags JSONB column into Tags.
func (f *CanonicalField) DecodeTags() error {
	if len(f.TagsJSON) == 0 {
		f.Tags = map[string]any{}
		return nil
	}
	return json.Unmarshal(f.TagsJSON, &f.Tags)
}

// TenantActivation is the per-tenant subset of CanonicalField currently
// "active" (participating in decisions for that tenant).
type TenantActivation struct {
	ID          int64     `db:"id"`
	Tenant      string    `db:"tenant"`
	FieldRef    int64     `db:"field_ref"`
	ActiveSince time.Time `db:"active_since"`
}

// snapshotField is the load-file bootstrap source's decoded shape.
type snapshotField struct {
	Table     string         `yaml:"table" json:"table"`
	Name      string         `yaml:"name" json:"name"`
	Type      string         `yaml:"type" json:"type"`
	Indexable bool           `yaml:"indexable" json:"indexable"`
	Tags      map[string]any `yaml:"tags" json:"tags"`
}

// Catalog is the C2 component.
type Catalog struct {
	gw           *dbgateway.Gateway
	log          *logging.Logger
	tenantColumn string
}

// New builds a Catalog bound to gw.
func New(gw *dbgateway.Gateway, log *logging.Logger, cfg config.CatalogConfig) *Catalog {
	return &Catalog{gw: gw, log: log, tenantColumn: cfg.TenantColumn}
}

// Bootstrap populates canonical_field from either live introspection or a
// YAML/JSON snapshot file, upserting so repeated runs are idempotent.
func (c *Catalog) Bootstrap(ctx context.Context, cfg config.CatalogConfig) error {
	var fields []snapshotField
	var err error

	switch cfg.BootstrapSource {
	case "introspect-live":
		fields, err = c.introspectLive(ctx)
	case "load-file":
		fields, err = loadSnapshotFile(cfg.SnapshotPath)
	default:
		return fmt.Errorf("unknown bootstrap source %q", cfg.BootstrapSource)
	}
	if err != nil {
		return err
	}

	for _, f := range fields {
		tagsJSON, err := json.Marshal(f.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags for %s.%s: %w", f.Table, f.Name, err)
		}
		_, err = c.gw.Exec(ctx, `
			INSERT INTO canonical_field (table_name, name, type, indexable, tags)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (table_name, name) DO UPDATE
				SET type = EXCLUDED.type, indexable = EXCLUDED.indexable, tags = EXCLUDED.tags
		`, f.Table, f.Name, f.Type, f.Indexable, tagsJSON)
		if err != nil {
			return fmt.Errorf("upsert canonical_field %s.%s: %w", f.Table, f.Name, err)
		}
	}

	c.log.WithComponent("catalog").WithContext(ctx).Infof("bootstrap wrote %d canonical fields (source=%s)", len(fields), cfg.BootstrapSource)
	return nil
}

// introspectLive scans information_schema.columns for every table,
// flagging the configured tenant column and never hard-coding tenant
// table names.
func (c *Catalog) introspectLive(ctx context.Context) ([]snapshotField, error) {
	type columnRow struct {
		TableName string `db:"table_name"`
		Column    string `db:"column_name"`
		DataType  string `db:"data_type"`
	}
	var rows []columnRow
	err := c.gw.Select(ctx, &rows, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public'
		ORDER BY table_name, ordinal_position
	`)
	if err != nil {
		return nil, err
	}

	fields := make([]snapshotField, 0, len(rows))
	for _, r := range rows {
		fields = append(fields, snapshotField{
			Table:     r.TableName,
			Name:      r.Column,
			Type:      r.DataType,
			Indexable: isIndexableType(r.DataType),
			Tags:      map[string]any{"is_tenant_column": r.Column == c.tenantColumn},
		})
	}
	return fields, nil
}

func isIndexableType(dataType string) bool {
	switch dataType {
	case "json", "xml":
		return false
	default:
		return true
	}
}

// loadSnapshotFile decodes a YAML or JSON catalog snapshot with a strict
// decoder that rejects unknown keys at startup rather than silently
// dropping a typo'd field.
func loadSnapshotFile(path string) ([]snapshotField, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}

	var doc struct {
		Fields []snapshotField `yaml:"fields" json:"fields"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return doc.Fields, nil
}

// Activate marks fields active for tenant.
func (c *Catalog) Activate(ctx context.Context, tenant string, fieldIDs []int64) error {
	for _, id := range fieldIDs {
		_, err := c.gw.Exec(ctx, `
			INSERT INTO tenant_activation (tenant, field_ref)
			VALUES ($1, $2)
			ON CONFLICT (tenant, field_ref) DO NOTHING
		`, tenant, id)
		if err != nil {
			return fmt.Errorf("activate tenant=%s field=%d: %w", tenant, id, err)
		}
	}
	return nil
}

// Deactivate removes fields from tenant's activation set.
func (c *Catalog) Deactivate(ctx context.Context, tenant string, fieldIDs []int64) error {
	for _, id := range fieldIDs {
		_, err := c.gw.Exec(ctx, `
			DELETE FROM tenant_activation WHERE tenant = $1 AND field_ref = $2
		`, tenant, id)
		if err != nil {
			return fmt.Errorf("deactivate tenant=%s field=%d: %w", tenant, id, err)
		}
	}
	return nil
}

// ActiveFields is the only read path the decision engine (C6) may use to
// resolve which fields are in scope for tenant.
func (c *Catalog) ActiveFields(ctx context.Context, tenant string) ([]CanonicalField, error) {
	var fields []CanonicalField
	err := c.gw.Select(ctx, &fields, `
		SELECT cf.id, cf.table_name, cf.name, cf.type, cf.indexable, cf.tags, cf.created_at
		FROM canonical_field cf
		JOIN tenant_activation ta ON ta.field_ref = cf.id
		WHERE ta.tenant = $1
	`, tenant)
	return fields, err
}
