package appointment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Directory resolves ids owned by neighbouring subsystems (donors, locations, blood groups,
// component types, blood requests).
type Directory interface {
	Exists(ctx context.Context, kind RefKind, id uuid.UUID) (bool, error)
}

type RefKind string

const (
	RefDonor         RefKind = "donor"
	RefLocation      RefKind = "location"
	RefBloodGroup    RefKind = "blood_group"
	RefComponentType RefKind = "component_type"
	RefBloodRequest  RefKind = "blood_request"
)

var refTables = map[RefKind]string{
	RefDonor:         "donors",
	RefLocation:      "locations",
	RefBloodGroup:    "blood_groups",
	RefComponentType: "component_types",
	RefBloodRequest:  "blood_requests",
}

type PgDirectory struct {
	pool *pgxpool.Pool
}

func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

func (d *PgDirectory) Exists(ctx context.Context, kind RefKind, id uuid.UUID) (bool, error) {
	table, ok := refTables[kind]
	if !ok {
		return false, fmt.Errorf("unknown reference kind %q", kind)
	}

	var exists bool
	err := d.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", kind, err)
	}
	return exists, nil
}

// StaticDirectory is an in-memory Directory for tests and local tooling.
type StaticDirectory struct {
	mu   sync.RWMutex
	refs map[RefKind]map[uuid.UUID]struct{}
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{refs: make(map[RefKind]map[uuid.UUID]struct{})}
}

func (d *StaticDirectory) Add(kind RefKind, ids ...uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.refs[kind]
	if !ok {
		m = make(map[uuid.UUID]struct{})
		d.refs[kind] = m
	}
	for _, id := range ids {
		m[id] = struct{}{}
	}
}

func (d *StaticDirectory) Exists(_ context.Context, kind RefKind, id uuid.UUID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.refs[kind][id]
	return ok, nil
}

// requireRefs fails with ErrNotFound on the first id the directory cannot resolve.
func requireRefs(ctx context.Context, dir Directory, refs map[RefKind][]*uuid.UUID) error {
	for _, kind := range []RefKind{RefDonor, RefLocation, RefBloodGroup, RefComponentType, RefBloodRequest} {
		for _, id := range refs[kind] {
			if id == nil {
				continue
			}
			ok, err := dir.Exists(ctx, kind, *id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s %s", ErrNotFound, kind, *id)
			}
		}
	}
	return nil
}
