package record

import (
	"context"

	"github.com/searchforge/ingestmgr/pkg/postgres"
)

// tableSpec is the declarative target schema for the ingest-state table.
// Older deployments without the forcedparams or lasttransformationversion
// columns are upgraded in place by the reconciler.
func tableSpec() postgres.TableSpec {
	return postgres.TableSpec{
		Name: TableName,
		Columns: []postgres.ColumnSpec{
			{Name: "id", Type: "BIGINT", Primary: true},
			{Name: "connectionname", Type: "VARCHAR(32)", NotNull: true},
			{Name: "dockey", Type: "VARCHAR(73)", NotNull: true},
			{Name: "docuri", Type: "TEXT"},
			{Name: "urihash", Type: "VARCHAR(40)"},
			{Name: "lastversion", Type: "TEXT"},
			{Name: "lastoutputversion", Type: "TEXT"},
			{Name: "lasttransformationversion", Type: "TEXT"},
			{Name: "forcedparams", Type: "TEXT"},
			{Name: "changecount", Type: "BIGINT", NotNull: true},
			{Name: "firstingest", Type: "BIGINT", NotNull: true},
			{Name: "lastingest", Type: "BIGINT", NotNull: true},
			{Name: "authorityname", Type: "VARCHAR(32)"},
		},
		Indexes: []postgres.IndexSpec{
			{Name: "ingeststatus_key_conn", Unique: true, Columns: []string{"dockey", "connectionname"}},
			{Name: "ingeststatus_urihash_conn", Columns: []string{"urihash", "connectionname"}},
			{Name: "ingeststatus_conn", Columns: []string{"connectionname"}},
		},
	}
}

// Install creates or upgrades the ingest-state table. Safe to run on every
// startup.
func (s *Store) Install(ctx context.Context) error {
	return s.db.EnsureTable(ctx, tableSpec())
}

// Uninstall drops the ingest-state table.
func (s *Store) Uninstall(ctx context.Context) error {
	return s.db.DropTable(ctx, TableName)
}
