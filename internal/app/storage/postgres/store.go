// Package postgres implements the ThingStore on PostgreSQL. One row per
// thing: identity and bookkeeping columns, labels in an indexed jsonb column
// for containment queries, the remaining state in a jsonb blob, the waker
// deadline in an indexed nullable timestamp.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/twin_layer/internal/app/domain/thing"
	"github.com/R3E-Network/twin_layer/internal/app/storage"
)

// Store implements storage.ThingStore backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.ThingStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db), nil
}

// DB exposes the underlying handle for migrations and shutdown.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

type thingRow struct {
	Application       string         `db:"application"`
	Name              string         `db:"name"`
	UID               string         `db:"uid"`
	CreationTimestamp time.Time      `db:"creation_timestamp"`
	DeletionTimestamp sql.NullTime   `db:"deletion_timestamp"`
	ResourceVersion   string         `db:"resource_version"`
	Generation        int64          `db:"generation"`
	Annotations       []byte         `db:"annotations"`
	Labels            []byte         `db:"labels"`
	Data              []byte         `db:"data"`
	Waker             sql.NullTime   `db:"waker"`
	WakerReasons      pq.StringArray `db:"waker_reasons"`
}

// dataBlob carries the state not broken out into columns.
type dataBlob struct {
	Schema         map[string]any                    `json:"schema,omitempty"`
	ReportedState  map[string]thing.ReportedFeature  `json:"reportedState,omitempty"`
	SyntheticState map[string]thing.SyntheticFeature `json:"syntheticState,omitempty"`
	DesiredState   map[string]thing.DesiredFeature   `json:"desiredState,omitempty"`
	Reconciliation thing.Reconciliation              `json:"reconciliation,omitempty"`
	Outbox         []thing.OutboxEntry               `json:"outbox,omitempty"`
}

const thingColumns = `application, name, uid, creation_timestamp, deletion_timestamp,
	resource_version, generation, annotations, labels, data, waker, waker_reasons`

func (s *Store) Create(ctx context.Context, t *thing.Thing) (*thing.Thing, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	stored := t.Clone()
	stored.Metadata.UID = uuid.NewString()
	stored.Metadata.ResourceVersion = uuid.NewString()
	stored.Metadata.Generation = 1
	if stored.Metadata.CreationTimestamp.IsZero() {
		stored.Metadata.CreationTimestamp = time.Now().UTC()
	}

	row, err := encodeRow(stored)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO things (`+thingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, row.Application, row.Name, row.UID, row.CreationTimestamp, row.DeletionTimestamp,
		row.ResourceVersion, row.Generation, row.Annotations, row.Labels, row.Data, row.Waker, row.WakerReasons)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, storage.ErrAlreadyExists
		}
		return nil, transient("insert thing", err)
	}
	return stored, nil
}

func (s *Store) Get(ctx context.Context, application, name string) (*thing.Thing, error) {
	var row thingRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+thingColumns+`
		FROM things
		WHERE application = $1 AND name = $2
	`, application, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, transient("select thing", err)
	}
	return decodeRow(row)
}

func (s *Store) UpdateIf(ctx context.Context, t *thing.Thing, expected string) (*thing.Thing, error) {
	next := t.Clone()
	next.Metadata.ResourceVersion = uuid.NewString()

	row, err := encodeRow(next)
	if err != nil {
		return nil, err
	}

	// Single statement: the resource version compare and all column writes
	// are atomic, and the generation increment reads the stored row.
	var generation int64
	err = s.db.QueryRowContext(ctx, `
		UPDATE things
		SET deletion_timestamp = $4, resource_version = $5, generation = generation + 1,
		    annotations = $6, labels = $7, data = $8, waker = $9, waker_reasons = $10
		WHERE application = $1 AND name = $2 AND resource_version = $3
		RETURNING generation
	`, row.Application, row.Name, expected, row.DeletionTimestamp,
		row.ResourceVersion, row.Annotations, row.Labels, row.Data, row.Waker, row.WakerReasons).Scan(&generation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.classifyMiss(ctx, row.Application, row.Name)
	}
	if err != nil {
		return nil, transient("update thing", err)
	}

	next.Metadata.Generation = uint64(generation)
	return next, nil
}

func (s *Store) DeleteIf(ctx context.Context, application, name, expected string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM things
		WHERE application = $1 AND name = $2 AND resource_version = $3
	`, application, name, expected)
	if err != nil {
		return transient("delete thing", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return s.classifyMiss(ctx, application, name)
	}
	return nil
}

func (s *Store) List(ctx context.Context, application string, selector map[string]string) ([]*thing.Thing, error) {
	selectorJSON := []byte(`{}`)
	if len(selector) > 0 {
		var err error
		selectorJSON, err = json.Marshal(selector)
		if err != nil {
			return nil, err
		}
	}

	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+thingColumns+`
		FROM things
		WHERE application = $1 AND labels @> $2::jsonb
		ORDER BY name
	`, application, selectorJSON)
	if err != nil {
		return nil, transient("list things", err)
	}
	defer rows.Close()

	var out []*thing.Thing
	for rows.Next() {
		var row thingRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		t, err := decodeRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DueWakers(ctx context.Context, now time.Time, limit int) ([]storage.DueWaker, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT application, name, waker, waker_reasons
		FROM things
		WHERE waker IS NOT NULL AND waker <= $1
		ORDER BY waker ASC
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, transient("scan wakers", err)
	}
	defer rows.Close()

	var due []storage.DueWaker
	for rows.Next() {
		var (
			d       storage.DueWaker
			waker   time.Time
			reasons pq.StringArray
		)
		if err := rows.Scan(&d.Application, &d.Name, &waker, &reasons); err != nil {
			return nil, err
		}
		d.Due = waker.UTC()
		d.Reasons = []string(reasons)
		due = append(due, d)
	}
	return due, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// classifyMiss distinguishes a vanished row from a stale resource version.
func (s *Store) classifyMiss(ctx context.Context, application, name string) error {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM things WHERE application = $1 AND name = $2)
	`, application, name)
	if err != nil {
		return transient("check thing existence", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrPreconditionFailed
}

func encodeRow(t *thing.Thing) (thingRow, error) {
	annotations, err := json.Marshal(orEmpty(t.Metadata.Annotations))
	if err != nil {
		return thingRow{}, err
	}
	labels, err := json.Marshal(orEmpty(t.Metadata.Labels))
	if err != nil {
		return thingRow{}, err
	}

	blob := dataBlob{
		Schema:         t.Schema,
		ReportedState:  t.ReportedState,
		SyntheticState: t.SyntheticState,
		DesiredState:   t.DesiredState,
		Reconciliation: t.Reconciliation,
	}
	var waker sql.NullTime
	var reasons pq.StringArray
	if t.Internal != nil {
		blob.Outbox = t.Internal.Outbox
		if t.Internal.Waker.Next != nil {
			waker = sql.NullTime{Time: t.Internal.Waker.Next.UTC(), Valid: true}
			reasons = pq.StringArray(t.Internal.Waker.Reasons)
		}
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return thingRow{}, err
	}

	var deletion sql.NullTime
	if t.Metadata.DeletionTimestamp != nil {
		deletion = sql.NullTime{Time: t.Metadata.DeletionTimestamp.UTC(), Valid: true}
	}

	return thingRow{
		Application:       t.Metadata.Application,
		Name:              t.Metadata.Name,
		UID:               t.Metadata.UID,
		CreationTimestamp: t.Metadata.CreationTimestamp.UTC(),
		DeletionTimestamp: deletion,
		ResourceVersion:   t.Metadata.ResourceVersion,
		Generation:        int64(t.Metadata.Generation),
		Annotations:       annotations,
		Labels:            labels,
		Data:              data,
		Waker:             waker,
		WakerReasons:      reasons,
	}, nil
}

func decodeRow(row thingRow) (*thing.Thing, error) {
	t := &thing.Thing{
		Metadata: thing.Metadata{
			Application:       row.Application,
			Name:              row.Name,
			UID:               row.UID,
			CreationTimestamp: row.CreationTimestamp.UTC(),
			ResourceVersion:   row.ResourceVersion,
			Generation:        uint64(row.Generation),
		},
	}
	if row.DeletionTimestamp.Valid {
		ts := row.DeletionTimestamp.Time.UTC()
		t.Metadata.DeletionTimestamp = &ts
	}
	if len(row.Annotations) > 0 {
		if err := json.Unmarshal(row.Annotations, &t.Metadata.Annotations); err != nil {
			return nil, fmt.Errorf("decode annotations: %w", err)
		}
	}
	if len(row.Labels) > 0 {
		if err := json.Unmarshal(row.Labels, &t.Metadata.Labels); err != nil {
			return nil, fmt.Errorf("decode labels: %w", err)
		}
	}

	var blob dataBlob
	if len(row.Data) > 0 {
		if err := json.Unmarshal(row.Data, &blob); err != nil {
			return nil, fmt.Errorf("decode data: %w", err)
		}
	}
	t.Schema = blob.Schema
	t.ReportedState = blob.ReportedState
	t.SyntheticState = blob.SyntheticState
	t.DesiredState = blob.DesiredState
	t.Reconciliation = blob.Reconciliation

	if row.Waker.Valid || len(blob.Outbox) > 0 {
		internal := &thing.Internal{Outbox: blob.Outbox}
		if row.Waker.Valid {
			ts := row.Waker.Time.UTC()
			internal.Waker = thing.Waker{Next: &ts, Reasons: []string(row.WakerReasons)}
		}
		t.Internal = internal
	}
	return t, nil
}

// transient tags a driver failure the caller may retry.
func transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, storage.ErrTransient, err)
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
