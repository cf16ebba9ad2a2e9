package sqlite

var schema = []string{
	`CREATE TABLE IF NOT EXISTS condition_tally (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		control INTEGER NOT NULL DEFAULT 0 CHECK (control >= 0),
		model_text INTEGER NOT NULL DEFAULT 0 CHECK (model_text >= 0),
		ai_wcf INTEGER NOT NULL DEFAULT 0 CHECK (ai_wcf >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS participants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		class_name TEXT NOT NULL DEFAULT '',
		condition TEXT NOT NULL DEFAULT '',
		current_step INTEGER NOT NULL DEFAULT 0,
		brainstorm TEXT NOT NULL DEFAULT '',
		pretest TEXT NOT NULL DEFAULT '',
		wcf_result TEXT NOT NULL DEFAULT '',
		posttest TEXT NOT NULL DEFAULT '',
		survey TEXT NOT NULL DEFAULT '{}',
		brainstorm_elapsed INTEGER NOT NULL DEFAULT 0,
		pretest_elapsed INTEGER NOT NULL DEFAULT 0,
		reflection_elapsed INTEGER NOT NULL DEFAULT 0,
		posttest_elapsed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_participants_created_at ON participants(created_at)`,
}
