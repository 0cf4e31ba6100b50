package postgres

// migrations returns the ordered schema migrations for the relational store.
// The workflow_index table carries a row-level policy so that any query that
// forgets explicit tenant filtering is still safe: the session variable
// app.tenant_id scopes reads, and app.market_ops bypasses the policy for
// cross-tenant actors.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS tenants (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				status TEXT NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE IF NOT EXISTS workflow_templates (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				market_role TEXT NOT NULL,
				version INTEGER NOT NULL,
				status TEXT NOT NULL,
				definition JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				published_at TIMESTAMP WITH TIME ZONE,
				UNIQUE (market_role, version)
			);

			CREATE INDEX IF NOT EXISTS idx_templates_role_status
				ON workflow_templates (market_role, status);

			CREATE TABLE IF NOT EXISTS workflow_index (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				template_id TEXT NOT NULL,
				market_role TEXT NOT NULL,
				status TEXT NOT NULL,
				current_step_id TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_workflow_index_tenant_status
				ON workflow_index (tenant_id, status);
		`,
		2: `
			ALTER TABLE workflow_index ENABLE ROW LEVEL SECURITY;
			ALTER TABLE workflow_index FORCE ROW LEVEL SECURITY;

			CREATE POLICY tenant_isolation ON workflow_index
				USING (
					current_setting('app.market_ops', true) = 'on'
					OR tenant_id = current_setting('app.tenant_id', true)
				);
		`,
	}
}
