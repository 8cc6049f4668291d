// Package sqlite is the durable VersionStore on comfylite3.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/davidroman0O/comfylite3"
	"github.com/davidroman0O/refsetlite/internal/store"
	"github.com/davidroman0O/refsetlite/logger"
	"github.com/davidroman0O/refsetlite/types"
	"github.com/stephenfire/go-rtl"
)

const schema = `
CREATE TABLE IF NOT EXISTS refset_versions (
	internal_id TEXT PRIMARY KEY,
	refset_id TEXT NOT NULL,
	name TEXT NOT NULL,
	version_date TEXT NOT NULL,
	workflow_status TEXT NOT NULL,
	workflow_type TEXT NOT NULL,
	definition_type TEXT NOT NULL,
	definition BLOB,
	member_count INTEGER NOT NULL DEFAULT 0,
	is_private INTEGER NOT NULL DEFAULT 0,
	based_on_latest INTEGER NOT NULL DEFAULT 0,
	project_id TEXT NOT NULL DEFAULT '',
	branch TEXT NOT NULL DEFAULT '',
	module_id TEXT NOT NULL DEFAULT '',
	cloned_from TEXT NOT NULL DEFAULT '',
	finishers BLOB,
	baseline_fingerprint TEXT NOT NULL DEFAULT '',
	created TEXT NOT NULL,
	last_modified TEXT NOT NULL,
	last_modified_by TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_versions_refset ON refset_versions(refset_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_one_draft
	ON refset_versions(refset_id) WHERE version_date = 'IN_DEVELOPMENT';

CREATE TABLE IF NOT EXISTS refset_members (
	version_id TEXT NOT NULL REFERENCES refset_versions(internal_id) ON DELETE CASCADE,
	concept_code TEXT NOT NULL,
	active INTEGER NOT NULL,
	module_id TEXT NOT NULL DEFAULT '',
	provenance TEXT NOT NULL DEFAULT '',
	last_modified TEXT NOT NULL,
	PRIMARY KEY (version_id, concept_code)
);

CREATE TABLE IF NOT EXISTS workflow_history (
	id TEXT PRIMARY KEY,
	refset_id TEXT NOT NULL,
	version_id TEXT NOT NULL,
	action TEXT NOT NULL,
	actor TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	from_status TEXT NOT NULL DEFAULT '',
	to_status TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_history_refset ON workflow_history(refset_id);

CREATE TABLE IF NOT EXISTS upgrade_concepts (
	version_id TEXT NOT NULL REFERENCES refset_versions(internal_id) ON DELETE CASCADE,
	code TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	target_branch TEXT NOT NULL DEFAULT '',
	replacements BLOB,
	manual_replacement TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (version_id, code)
);
`

const versionColumns = `internal_id, refset_id, name, version_date, workflow_status, workflow_type,
	definition_type, definition, member_count, is_private, based_on_latest, project_id, branch,
	module_id, cloned_from, finishers, baseline_fingerprint, created, last_modified, last_modified_by`

type config struct {
	path        string
	memory      bool
	destructive bool
	logger      logger.Logger
}

type Option func(*config)

func WithPath(path string) Option {
	return func(c *config) {
		c.path = path
	}
}

func WithMemory() Option {
	return func(c *config) {
		c.memory = true
	}
}

// WithDestructive removes the database file before opening it.
func WithDestructive() Option {
	return func(c *config) {
		c.destructive = true
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

type Store struct {
	comfy  *comfylite3.ComfyDB
	db     *sql.DB
	logger logger.Logger
}

func New(ctx context.Context, opts ...Option) (*Store, error) {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewNopLogger()
	}

	comfyOptions := []comfylite3.ComfyOption{}
	if cfg.memory || cfg.path == "" {
		cfg.logger.Debug(ctx, "Memory database option")
		comfyOptions = append(comfyOptions, comfylite3.WithMemory())
	} else {
		if cfg.destructive {
			cfg.logger.Debug(ctx, "Destructive option triggered", "path", cfg.path)
			if err := os.Remove(cfg.path); err != nil && !os.IsNotExist(err) {
				return nil, err
			}
		}
		if err := os.MkdirAll(filepath.Dir(cfg.path), 0755); err != nil {
			return nil, err
		}
		comfyOptions = append(comfyOptions, comfylite3.WithPath(cfg.path))
	}

	comfy, err := comfylite3.New(comfyOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := comfylite3.OpenDB(
		comfy,
		comfylite3.WithOption("_fk=1"),
		comfylite3.WithOption("cache=shared"),
		comfylite3.WithOption("mode=rwc"),
		comfylite3.WithForeignKeys(),
	)
	// one writer at a time keeps check-then-insert atomic
	db.SetMaxOpenConns(1)

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			comfy.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &Store{comfy: comfy, db: db, logger: cfg.logger}, nil
}

func (s *Store) Begin(ctx context.Context, write bool) (store.Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &tx{ctx: ctx, tx: sqlTx, write: write}, nil
}

func (s *Store) Close() error {
	err := s.db.Close()
	s.comfy.Close()
	return err
}

type tx struct {
	ctx   context.Context
	tx    *sql.Tx
	write bool
	done  bool
}

func (t *tx) Commit() error {
	if t.done {
		return store.ErrTransactionDone
	}
	t.done = true
	if !t.write {
		return t.tx.Rollback()
	}
	return t.tx.Commit()
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

func (t *tx) writable() error {
	if t.done {
		return store.ErrTransactionDone
	}
	if !t.write {
		return store.ErrReadOnly
	}
	return nil
}

func encode(v any) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := rtl.Encode(v, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return rtl.Decode(bytes.NewBuffer(data), v)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(row scanner) (*types.RefsetVersion, error) {
	var (
		v                       types.RefsetVersion
		definition, finishers   []byte
		isPrivate, basedOn      int
		created, lastModified   string
		status, wfType, defType string
	)
	if err := row.Scan(
		&v.InternalID, &v.RefsetID, &v.Name, &v.VersionDate, &status, &wfType,
		&defType, &definition, &v.MemberCount, &isPrivate, &basedOn, &v.ProjectID, &v.Branch,
		&v.ModuleID, &v.ClonedFrom, &finishers, &v.BaselineFingerprint, &created, &lastModified, &v.LastModifiedBy,
	); err != nil {
		return nil, err
	}
	v.WorkflowStatus = types.WorkflowStatus(status)
	v.WorkflowType = types.WorkflowType(wfType)
	v.DefinitionType = types.DefinitionType(defType)
	v.IsPrivate = isPrivate == 1
	v.BasedOnLatestVersion = basedOn == 1
	if err := decode(definition, &v.Definition); err != nil {
		return nil, fmt.Errorf("failed to decode definition: %w", err)
	}
	if err := decode(finishers, &v.Finishers); err != nil {
		return nil, fmt.Errorf("failed to decode finishers: %w", err)
	}
	var err error
	if v.Created, err = parseTime(created); err != nil {
		return nil, err
	}
	if v.LastModified, err = parseTime(lastModified); err != nil {
		return nil, err
	}
	return &v, nil
}

func (t *tx) GetVersion(id types.VersionID) (*types.RefsetVersion, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+versionColumns+` FROM refset_versions WHERE internal_id = ?`, string(id))
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("version %s: %w", id, store.ErrNotFound)
	}
	return v, err
}

func (t *tx) query(q types.VersionQuery) ([]*types.RefsetVersion, error) {
	var (
		where []string
		args  []any
	)
	if q.RefsetID != "" {
		where = append(where, "refset_id = ?")
		args = append(args, string(q.RefsetID))
	}
	if q.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, string(q.ProjectID))
	}
	if q.Status != "" {
		where = append(where, "workflow_status = ?")
		args = append(args, string(q.Status))
	}
	if q.DraftOnly {
		where = append(where, "version_date = ?")
		args = append(args, types.InDevelopment)
	}
	stmt := `SELECT ` + versionColumns + ` FROM refset_versions`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	rows, err := t.tx.QueryContext(t.ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.RefsetVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (t *tx) FindSingleVersion(q types.VersionQuery) (*types.RefsetVersion, error) {
	versions, err := t.query(q)
	if err != nil {
		return nil, err
	}
	switch len(versions) {
	case 0:
		return nil, fmt.Errorf("version query: %w", store.ErrNotFound)
	case 1:
		return versions[0], nil
	default:
		return nil, fmt.Errorf("version query matched %d versions", len(versions))
	}
}

func (t *tx) FindVersions(q types.VersionQuery) ([]*types.RefsetVersion, int, error) {
	versions, err := t.query(q)
	if err != nil {
		return nil, 0, err
	}
	page, total := store.SortAndPage(versions, q.Page)
	return page, total, nil
}

func (t *tx) Draft(refsetID types.RefsetID) (*types.RefsetVersion, error) {
	v, err := t.FindSingleVersion(types.VersionQuery{RefsetID: refsetID, DraftOnly: true})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("draft of %s: %w", refsetID, store.ErrNotFound)
	}
	return v, err
}

func (t *tx) LatestPublished(refsetID types.RefsetID) (*types.RefsetVersion, error) {
	versions, err := t.query(types.VersionQuery{RefsetID: refsetID})
	if err != nil {
		return nil, err
	}
	latest := store.LatestOf(versions)
	if latest == nil {
		return nil, fmt.Errorf("published version of %s: %w", refsetID, store.ErrNotFound)
	}
	return latest, nil
}

func versionArgs(v *types.RefsetVersion) ([]any, error) {
	definition, err := encode(v.Definition)
	if err != nil {
		return nil, fmt.Errorf("failed to encode definition: %w", err)
	}
	finishers, err := encode(v.Finishers)
	if err != nil {
		return nil, fmt.Errorf("failed to encode finishers: %w", err)
	}
	return []any{
		string(v.InternalID), string(v.RefsetID), v.Name, v.VersionDate, string(v.WorkflowStatus),
		string(v.WorkflowType), string(v.DefinitionType), definition, v.MemberCount,
		boolInt(v.IsPrivate), boolInt(v.BasedOnLatestVersion), string(v.ProjectID), v.Branch,
		v.ModuleID, string(v.ClonedFrom), finishers, v.BaselineFingerprint,
		formatTime(v.Created), formatTime(v.LastModified), v.LastModifiedBy,
	}, nil
}

func (t *tx) AddVersion(v *types.RefsetVersion) error {
	if err := t.writable(); err != nil {
		return err
	}
	args, err := versionArgs(v)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `INSERT INTO refset_versions (`+versionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if isConstraint(err) {
		if v.IsDraft() {
			return fmt.Errorf("draft of %s: %w", v.RefsetID, store.ErrAlreadyExists)
		}
		return fmt.Errorf("version %s: %w", v.InternalID, store.ErrAlreadyExists)
	}
	return err
}

func (t *tx) UpdateVersion(v *types.RefsetVersion) error {
	if err := t.writable(); err != nil {
		return err
	}
	stored, err := t.GetVersion(v.InternalID)
	if err != nil {
		return err
	}
	if !stored.IsDraft() {
		return fmt.Errorf("version %s: %w", v.InternalID, store.ErrImmutable)
	}
	if stored.RefsetID != v.RefsetID {
		return fmt.Errorf("version %s cannot move to refset %s", v.InternalID, v.RefsetID)
	}
	args, err := versionArgs(v)
	if err != nil {
		return err
	}
	// internal id moves to the end for the WHERE clause
	args = append(args[1:], args[0])
	_, err = t.tx.ExecContext(t.ctx, `UPDATE refset_versions SET
		refset_id = ?, name = ?, version_date = ?, workflow_status = ?, workflow_type = ?,
		definition_type = ?, definition = ?, member_count = ?, is_private = ?, based_on_latest = ?,
		project_id = ?, branch = ?, module_id = ?, cloned_from = ?, finishers = ?,
		baseline_fingerprint = ?, created = ?, last_modified = ?, last_modified_by = ?
		WHERE internal_id = ?`, args...)
	if isConstraint(err) {
		return fmt.Errorf("version %s: %w", v.InternalID, store.ErrAlreadyExists)
	}
	return err
}

func (t *tx) DeleteVersion(id types.VersionID) error {
	if err := t.writable(); err != nil {
		return err
	}
	stored, err := t.GetVersion(id)
	if err != nil {
		return err
	}
	if !stored.IsDraft() {
		return fmt.Errorf("version %s: %w", id, store.ErrImmutable)
	}
	for _, stmt := range []string{
		`DELETE FROM refset_members WHERE version_id = ?`,
		`DELETE FROM upgrade_concepts WHERE version_id = ?`,
		`DELETE FROM refset_versions WHERE internal_id = ?`,
	} {
		if _, err := t.tx.ExecContext(t.ctx, stmt, string(id)); err != nil {
			return err
		}
	}
	return nil
}

func scanMember(row scanner) (types.RefsetMember, error) {
	var (
		m            types.RefsetMember
		active       int
		provenance   string
		lastModified string
	)
	if err := row.Scan(&m.RefsetInternalID, &m.ConceptCode, &active, &m.ModuleID, &provenance, &lastModified); err != nil {
		return m, err
	}
	m.Active = active == 1
	m.Provenance = types.Provenance(provenance)
	var err error
	m.LastModified, err = parseTime(lastModified)
	return m, err
}

const memberColumns = `version_id, concept_code, active, module_id, provenance, last_modified`

func (t *tx) Members(id types.VersionID, activeOnly bool) ([]types.RefsetMember, error) {
	stmt := `SELECT ` + memberColumns + ` FROM refset_members WHERE version_id = ?`
	if activeOnly {
		stmt += ` AND active = 1`
	}
	rows, err := t.tx.QueryContext(t.ctx, stmt+` ORDER BY concept_code`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.RefsetMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *tx) Member(id types.VersionID, code string) (*types.RefsetMember, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+memberColumns+` FROM refset_members
		WHERE version_id = ? AND concept_code = ?`, string(id), code)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("member %s of %s: %w", code, id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (t *tx) requireDraft(id types.VersionID, checked map[types.VersionID]bool) error {
	if checked[id] {
		return nil
	}
	v, err := t.GetVersion(id)
	if err != nil {
		return err
	}
	if !v.IsDraft() {
		return fmt.Errorf("members of %s: %w", id, store.ErrImmutable)
	}
	checked[id] = true
	return nil
}

func (t *tx) PutMembers(members []types.RefsetMember) error {
	if err := t.writable(); err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(t.ctx, `INSERT INTO refset_members (`+memberColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(version_id, concept_code) DO UPDATE SET
			active = excluded.active, module_id = excluded.module_id,
			provenance = excluded.provenance, last_modified = excluded.last_modified`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	checked := map[types.VersionID]bool{}
	for _, m := range members {
		if err := t.requireDraft(m.RefsetInternalID, checked); err != nil {
			return err
		}
		if _, err := stmt.ExecContext(t.ctx, string(m.RefsetInternalID), m.ConceptCode, boolInt(m.Active),
			m.ModuleID, string(m.Provenance), formatTime(m.LastModified)); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) AppendHistory(h types.WorkflowHistory) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO workflow_history
		(id, refset_id, version_id, action, actor, timestamp, notes, from_status, to_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, string(h.RefsetID), string(h.VersionID), string(h.Action), h.Actor,
		formatTime(h.Timestamp), h.Notes, string(h.From), string(h.To))
	if isConstraint(err) {
		return fmt.Errorf("history %s: %w", h.ID, store.ErrAlreadyExists)
	}
	return err
}

func (t *tx) History(refsetID types.RefsetID) ([]types.WorkflowHistory, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT id, refset_id, version_id, action, actor, timestamp, notes, from_status, to_status
		FROM workflow_history WHERE refset_id = ? ORDER BY rowid`, string(refsetID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.WorkflowHistory
	for rows.Next() {
		var (
			h                      types.WorkflowHistory
			action, from, to, when string
		)
		if err := rows.Scan(&h.ID, &h.RefsetID, &h.VersionID, &action, &h.Actor, &when, &h.Notes, &from, &to); err != nil {
			return nil, err
		}
		h.Action = types.WorkflowAction(action)
		h.From = types.WorkflowStatus(from)
		h.To = types.WorkflowStatus(to)
		if h.Timestamp, err = parseTime(when); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (t *tx) PutUpgradeConcepts(concepts []types.UpgradeInactiveConcept) error {
	if err := t.writable(); err != nil {
		return err
	}
	checked := map[types.VersionID]bool{}
	for _, c := range concepts {
		if err := t.requireDraft(c.RefsetInternalID, checked); err != nil {
			return err
		}
		replacements, err := encode(c.Replacements)
		if err != nil {
			return fmt.Errorf("failed to encode replacements: %w", err)
		}
		if _, err := t.tx.ExecContext(t.ctx, `INSERT INTO upgrade_concepts
			(version_id, code, name, target_branch, replacements, manual_replacement)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(version_id, code) DO UPDATE SET
				name = excluded.name, target_branch = excluded.target_branch,
				replacements = excluded.replacements, manual_replacement = excluded.manual_replacement`,
			string(c.RefsetInternalID), c.Code, c.Name, c.TargetBranch, replacements, c.ManualReplacement); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) UpgradeConcepts(id types.VersionID) ([]types.UpgradeInactiveConcept, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT version_id, code, name, target_branch, replacements, manual_replacement
		FROM upgrade_concepts WHERE version_id = ? ORDER BY code`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.UpgradeInactiveConcept
	for rows.Next() {
		var (
			c            types.UpgradeInactiveConcept
			replacements []byte
		)
		if err := rows.Scan(&c.RefsetInternalID, &c.Code, &c.Name, &c.TargetBranch, &replacements, &c.ManualReplacement); err != nil {
			return nil, err
		}
		if err := decode(replacements, &c.Replacements); err != nil {
			return nil, fmt.Errorf("failed to decode replacements: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *tx) DeleteUpgradeConcept(id types.VersionID, code string) error {
	if err := t.writable(); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM upgrade_concepts WHERE version_id = ? AND code = ?`, string(id), code)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("upgrade concept %s of %s: %w", code, id, store.ErrNotFound)
	}
	return nil
}

func (t *tx) DeleteUpgradeConcepts(id types.VersionID) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM upgrade_concepts WHERE version_id = ?`, string(id))
	return err
}
