package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// ColumnSpec describes one column of a managed table.
type ColumnSpec struct {
	Name    string
	Type    string
	NotNull bool
	Primary bool
}

// IndexSpec describes a secondary index on a managed table.
type IndexSpec struct {
	Name    string
	Unique  bool
	Columns []string
}

// TableSpec is the declarative target schema for one table. EnsureTable
// reconciles the live schema toward it: missing columns are added, indexes
// not in the spec (other than the primary key) are dropped, and missing
// indexes are created. The reconciliation is idempotent.
type TableSpec struct {
	Name    string
	Columns []ColumnSpec
	Indexes []IndexSpec
}

// EnsureTable creates or upgrades the table described by spec.
func (c *Client) EnsureTable(ctx context.Context, spec TableSpec) error {
	log := slog.Default().With("component", "schema", "table", spec.Name)

	exists, err := c.tableExists(ctx, spec.Name)
	if err != nil {
		return err
	}
	if !exists {
		if err := c.createTable(ctx, spec); err != nil {
			return err
		}
		log.Info("table created")
	} else {
		if err := c.addMissingColumns(ctx, spec, log); err != nil {
			return err
		}
	}
	return c.reconcileIndexes(ctx, spec, log)
}

// DropTable removes the table and its indexes. Used on uninstall.
func (c *Client) DropTable(ctx context.Context, name string) error {
	if _, err := c.DB.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
		return fmt.Errorf("dropping table %s: %w", name, err)
	}
	return nil
}

func (c *Client) tableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := c.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1`,
		name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", name, err)
	}
	return n > 0, nil
}

func (c *Client) createTable(ctx context.Context, spec TableSpec) error {
	defs := make([]string, 0, len(spec.Columns))
	for _, col := range spec.Columns {
		def := col.Name + " " + col.Type
		if col.Primary {
			def += " PRIMARY KEY"
		} else if col.NotNull {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", spec.Name, strings.Join(defs, ", "))
	if _, err := c.DB.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("creating table %s: %w", spec.Name, err)
	}
	return nil
}

func (c *Client) addMissingColumns(ctx context.Context, spec TableSpec, log *slog.Logger) error {
	rows, err := c.DB.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1`,
		spec.Name,
	)
	if err != nil {
		return fmt.Errorf("listing columns of %s: %w", spec.Name, err)
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scanning column name: %w", err)
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("listing columns of %s: %w", spec.Name, err)
	}

	for _, col := range spec.Columns {
		if existing[col.Name] {
			continue
		}
		def := col.Type
		if col.NotNull && !col.Primary {
			def += " NOT NULL"
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", spec.Name, col.Name, def)
		if _, err := c.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("adding column %s.%s: %w", spec.Name, col.Name, err)
		}
		log.Info("column added", "column", col.Name)
	}
	return nil
}

func (c *Client) reconcileIndexes(ctx context.Context, spec TableSpec, log *slog.Logger) error {
	rows, err := c.DB.QueryContext(ctx,
		`SELECT indexname FROM pg_indexes WHERE schemaname = current_schema() AND tablename = $1`,
		spec.Name,
	)
	if err != nil {
		return fmt.Errorf("listing indexes of %s: %w", spec.Name, err)
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scanning index name: %w", err)
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("listing indexes of %s: %w", spec.Name, err)
	}

	wanted := make(map[string]bool, len(spec.Indexes))
	for _, idx := range spec.Indexes {
		wanted[idx.Name] = true
	}

	for name := range existing {
		if wanted[name] || strings.HasSuffix(name, "_pkey") {
			continue
		}
		if _, err := c.DB.ExecContext(ctx, fmt.Sprintf("DROP INDEX IF EXISTS %s", name)); err != nil {
			return fmt.Errorf("dropping index %s: %w", name, err)
		}
		log.Info("stray index dropped", "index", name)
	}

	for _, idx := range spec.Indexes {
		if existing[idx.Name] {
			continue
		}
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		stmt := fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
			unique, idx.Name, spec.Name, strings.Join(idx.Columns, ", "))
		if _, err := c.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating index %s: %w", idx.Name, err)
		}
		log.Info("index created", "index", idx.Name)
	}
	return nil
}
