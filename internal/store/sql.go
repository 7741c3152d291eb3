package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/logging"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its dialect and filesystem in package globals.
var gooseMu sync.Mutex

// Dialect names a supported SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// SQLConfig configures an SQLStore.
type SQLConfig struct {
	Dialect         Dialect
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLStore is a Store backed by sqlite or postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL connects to the database, applies pending migrations and
// returns a ready store.
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database DSN cannot be empty")
	}
	switch cfg.Dialect {
	case DialectSQLite:
		// sqlite serializes writers; a single connection avoids SQLITE_BUSY.
		cfg.MaxOpenConns = 1
		if !strings.Contains(cfg.DSN, "?") {
			cfg.DSN += "?_busy_timeout=5000&_foreign_keys=on"
		}
	case DialectPostgres:
		if cfg.MaxOpenConns == 0 {
			cfg.MaxOpenConns = 25
		}
		if cfg.MaxIdleConns == 0 {
			cfg.MaxIdleConns = 5
		}
	default:
		return nil, fmt.Errorf("unsupported dialect %q", cfg.Dialect)
	}

	db, err := sql.Open(string(cfg.Dialect), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", cfg.Dialect, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", cfg.Dialect, err)
	}

	s := &SQLStore{db: db, dialect: cfg.Dialect}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the embedded schema migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(string(s.dialect)); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, err := goose.GetDBVersionContext(ctx, s.db)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	logging.Info("Record store migrated",
		logging.String("dialect", string(s.dialect)),
		logging.Int64("version", version),
	)
	return nil
}

// DB returns the underlying database handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	res, err := q.ExecContext(ctx, s.rebind(query), args...)
	if err != nil && isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %v", types.ErrAlreadyExists, err)
	}
	return res, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func affectedOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// =============================================================================
// Sandboxes
// =============================================================================

const sandboxColumns = `id, identity_key, project_id, conversation_id, container_id, container_name,
	image, code_dir, status, memory_bytes, nano_cpus, pids_limit, host_port, created_at, started_at, stopped_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSandbox(row rowScanner) (*types.SandboxRecord, error) {
	var (
		rec              types.SandboxRecord
		key              string
		status           string
		started, stopped sql.NullTime
	)
	err := row.Scan(&rec.ID, &key, &rec.Identity.ProjectID, &rec.Identity.ConversationID,
		&rec.ContainerID, &rec.ContainerName, &rec.Image, &rec.CodeDir, &status,
		&rec.Resources.MemoryBytes, &rec.Resources.NanoCPUs, &rec.Resources.PidsLimit,
		&rec.HostPort, &rec.CreatedAt, &started, &stopped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Status = types.Status(status)
	rec.StartedAt = timePtr(started)
	rec.StoppedAt = timePtr(stopped)
	return &rec, nil
}

func (s *SQLStore) CreateSandbox(ctx context.Context, rec *types.SandboxRecord) error {
	if err := validateSandbox(rec); err != nil {
		return err
	}
	_, err := s.exec(ctx, s.db, `INSERT INTO sandboxes (`+sandboxColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Identity.Key(), rec.Identity.ProjectID, rec.Identity.ConversationID,
		rec.ContainerID, rec.ContainerName, rec.Image, rec.CodeDir, string(rec.Status),
		rec.Resources.MemoryBytes, rec.Resources.NanoCPUs, rec.Resources.PidsLimit,
		rec.HostPort, rec.CreatedAt.UTC(), nullTime(rec.StartedAt), nullTime(rec.StoppedAt))
	if err != nil {
		return fmt.Errorf("create sandbox for %s: %w", rec.Identity, err)
	}
	return nil
}

func (s *SQLStore) getSandbox(ctx context.Context, q queryer, id types.Identity) (*types.SandboxRecord, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+sandboxColumns+` FROM sandboxes WHERE identity_key = ?`), id.Key())
	return scanSandbox(row)
}

func (s *SQLStore) GetSandbox(ctx context.Context, id types.Identity) (*types.SandboxRecord, error) {
	return s.getSandbox(ctx, s.db, id)
}

func (s *SQLStore) UpdateSandbox(ctx context.Context, rec *types.SandboxRecord) error {
	if err := validateSandbox(rec); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cur, err := s.getSandbox(ctx, tx, rec.Identity)
	if err != nil {
		return err
	}
	if err := checkTransition(cur.Status, rec.Status); err != nil {
		return err
	}

	_, err = s.exec(ctx, tx, `UPDATE sandboxes SET id = ?, container_id = ?, container_name = ?, image = ?,
		code_dir = ?, status = ?, memory_bytes = ?, nano_cpus = ?, pids_limit = ?, host_port = ?,
		created_at = ?, started_at = ?, stopped_at = ? WHERE identity_key = ?`,
		rec.ID, rec.ContainerID, rec.ContainerName, rec.Image, rec.CodeDir, string(rec.Status),
		rec.Resources.MemoryBytes, rec.Resources.NanoCPUs, rec.Resources.PidsLimit, rec.HostPort,
		rec.CreatedAt.UTC(), nullTime(rec.StartedAt), nullTime(rec.StoppedAt), rec.Identity.Key())
	if err != nil {
		return fmt.Errorf("update sandbox for %s: %w", rec.Identity, err)
	}
	return tx.Commit()
}

func (s *SQLStore) DeleteSandbox(ctx context.Context, id types.Identity) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM sandboxes WHERE identity_key = ?`, id.Key())
	if err != nil {
		return err
	}
	return affectedOne(res)
}

func (s *SQLStore) ListSandboxes(ctx context.Context) ([]*types.SandboxRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sandboxColumns+` FROM sandboxes ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.SandboxRecord
	for rows.Next() {
		rec, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// =============================================================================
// Pods
// =============================================================================

const podColumns = `id, identity_key, project_id, conversation_id, pod_name, namespace, image, status,
	memory_bytes, nano_cpus, pids_limit, service, api_host, api_token, kubeconfig,
	shell_host, shell_port, shell_user, shell_password, shell_key_path,
	storage_path, last_error, diagnostics, created_at, started_at, stopped_at`

func scanPod(row rowScanner) (*types.PodRecord, error) {
	var (
		rec              types.PodRecord
		key, status      string
		service          string
		started, stopped sql.NullTime
	)
	err := row.Scan(&rec.ID, &key, &rec.Identity.ProjectID, &rec.Identity.ConversationID,
		&rec.PodName, &rec.Namespace, &rec.Image, &status,
		&rec.Resources.MemoryBytes, &rec.Resources.NanoCPUs, &rec.Resources.PidsLimit,
		&service, &rec.Cluster.APIHost, &rec.Cluster.Token, &rec.Cluster.KubeConfig,
		&rec.Shell.Host, &rec.Shell.Port, &rec.Shell.User, &rec.Shell.Password, &rec.Shell.KeyPath,
		&rec.StoragePath, &rec.LastError, &rec.Diagnostics, &rec.CreatedAt, &started, &stopped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(service), &rec.Service); err != nil {
		return nil, fmt.Errorf("decode service info for %s: %w", rec.ID, err)
	}
	rec.Status = types.Status(status)
	rec.StartedAt = timePtr(started)
	rec.StoppedAt = timePtr(stopped)
	return &rec, nil
}

func podArgs(rec *types.PodRecord) ([]any, error) {
	service, err := json.Marshal(rec.Service)
	if err != nil {
		return nil, err
	}
	return []any{
		rec.PodName, rec.Namespace, rec.Image, string(rec.Status),
		rec.Resources.MemoryBytes, rec.Resources.NanoCPUs, rec.Resources.PidsLimit,
		string(service), rec.Cluster.APIHost, rec.Cluster.Token, rec.Cluster.KubeConfig,
		rec.Shell.Host, rec.Shell.Port, rec.Shell.User, rec.Shell.Password, rec.Shell.KeyPath,
		rec.StoragePath, rec.LastError, rec.Diagnostics,
		rec.CreatedAt.UTC(), nullTime(rec.StartedAt), nullTime(rec.StoppedAt),
	}, nil
}

func (s *SQLStore) CreatePod(ctx context.Context, rec *types.PodRecord) error {
	if err := validatePod(rec); err != nil {
		return err
	}
	rest, err := podArgs(rec)
	if err != nil {
		return err
	}
	args := append([]any{rec.ID, rec.Identity.Key(), rec.Identity.ProjectID, rec.Identity.ConversationID}, rest...)
	_, err = s.exec(ctx, s.db, `INSERT INTO pods (`+podColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("create pod for %s: %w", rec.Identity, err)
	}
	return nil
}

func (s *SQLStore) getPod(ctx context.Context, q queryer, id types.Identity) (*types.PodRecord, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+podColumns+` FROM pods WHERE identity_key = ?`), id.Key())
	return scanPod(row)
}

func (s *SQLStore) GetPod(ctx context.Context, id types.Identity) (*types.PodRecord, error) {
	return s.getPod(ctx, s.db, id)
}

func (s *SQLStore) UpdatePod(ctx context.Context, rec *types.PodRecord) error {
	if err := validatePod(rec); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cur, err := s.getPod(ctx, tx, rec.Identity)
	if err != nil {
		return err
	}
	if err := checkTransition(cur.Status, rec.Status); err != nil {
		return err
	}

	rest, err := podArgs(rec)
	if err != nil {
		return err
	}
	args := append([]any{rec.ID}, rest...)
	args = append(args, rec.Identity.Key())
	_, err = s.exec(ctx, tx, `UPDATE pods SET id = ?, pod_name = ?, namespace = ?, image = ?, status = ?,
		memory_bytes = ?, nano_cpus = ?, pids_limit = ?, service = ?, api_host = ?, api_token = ?, kubeconfig = ?,
		shell_host = ?, shell_port = ?, shell_user = ?, shell_password = ?, shell_key_path = ?,
		storage_path = ?, last_error = ?, diagnostics = ?, created_at = ?, started_at = ?, stopped_at = ?
		WHERE identity_key = ?`, args...)
	if err != nil {
		return fmt.Errorf("update pod for %s: %w", rec.Identity, err)
	}
	return tx.Commit()
}

func (s *SQLStore) DeletePod(ctx context.Context, id types.Identity) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM pods WHERE identity_key = ?`, id.Key())
	if err != nil {
		return err
	}
	return affectedOne(res)
}

func (s *SQLStore) ListPods(ctx context.Context) ([]*types.PodRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+podColumns+` FROM pods ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.PodRecord
	for rows.Next() {
		rec, err := scanPod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// =============================================================================
// Port mappings
// =============================================================================

const mappingColumns = `owner_kind, owner_id, container_port, host_port, note, created_at`

func scanMapping(row rowScanner) (*types.PortMapping, error) {
	var m types.PortMapping
	var kind string
	err := row.Scan(&kind, &m.OwnerID, &m.ContainerPort, &m.HostPort, &m.Note, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.OwnerKind = types.OwnerKind(kind)
	return &m, nil
}

func (s *SQLStore) SavePortMapping(ctx context.Context, m *types.PortMapping) error {
	if err := validateMapping(m); err != nil {
		return err
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.exec(ctx, s.db, `INSERT INTO port_mappings (`+mappingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_kind, owner_id, container_port)
		DO UPDATE SET host_port = excluded.host_port, note = excluded.note`,
		string(m.OwnerKind), m.OwnerID, m.ContainerPort, m.HostPort, m.Note, created.UTC())
	if err != nil {
		return fmt.Errorf("save port mapping %d->%d for %s: %w", m.ContainerPort, m.HostPort, m.OwnerID, err)
	}
	return nil
}

func (s *SQLStore) GetPortMapping(ctx context.Context, kind types.OwnerKind, ownerID string, containerPort int) (*types.PortMapping, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+mappingColumns+` FROM port_mappings
		WHERE owner_kind = ? AND owner_id = ? AND container_port = ?`), string(kind), ownerID, containerPort)
	return scanMapping(row)
}

func (s *SQLStore) ListPortMappings(ctx context.Context, kind types.OwnerKind, ownerID string) ([]*types.PortMapping, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+mappingColumns+` FROM port_mappings
		WHERE owner_kind = ? AND owner_id = ? ORDER BY container_port`), string(kind), ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.PortMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeletePortMappings(ctx context.Context, kind types.OwnerKind, ownerID string) error {
	_, err := s.exec(ctx, s.db, `DELETE FROM port_mappings WHERE owner_kind = ? AND owner_id = ?`, string(kind), ownerID)
	return err
}

func (s *SQLStore) UsedPorts(ctx context.Context, kind types.OwnerKind) (map[int]string, error) {
	table := "sandboxes"
	if kind == types.OwnerPod {
		table = "pods"
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT pm.host_port, pm.owner_id FROM port_mappings pm
		JOIN `+table+` o ON o.id = pm.owner_id
		WHERE pm.owner_kind = ? AND o.status IN (?, ?)`),
		string(kind), string(types.StatusRunning), string(types.StatusCreated))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	used := make(map[int]string)
	for rows.Next() {
		var port int
		var owner string
		if err := rows.Scan(&port, &owner); err != nil {
			return nil, err
		}
		used[port] = owner
	}
	return used, rows.Err()
}

// =============================================================================
// Command logs
// =============================================================================

func (s *SQLStore) AppendCommandLog(ctx context.Context, entry *types.CommandLog) error {
	if err := prepareLog(entry); err != nil {
		return err
	}
	_, err := s.exec(ctx, s.db, `INSERT INTO command_logs (id, owner_key, command, output, exit_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.OwnerKey, entry.Command, entry.Output, entry.ExitCode, entry.CreatedAt.UTC())
	return err
}

func (s *SQLStore) ListCommandLogs(ctx context.Context, ownerKey string, limit int) ([]*types.CommandLog, error) {
	query := `SELECT id, owner_key, command, output, exit_code, created_at FROM command_logs
		WHERE owner_key = ? ORDER BY created_at DESC`
	args := []any{ownerKey}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.CommandLog
	for rows.Next() {
		var e types.CommandLog
		if err := rows.Scan(&e.ID, &e.OwnerKey, &e.Command, &e.Output, &e.ExitCode, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// oldest first, matching MemoryStore
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

var (
	_ Store = (*SQLStore)(nil)
)
