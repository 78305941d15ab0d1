package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/donation-scheduling/internal/appointment"
	"github.com/hackgods/donation-scheduling/internal/config"
	"github.com/hackgods/donation-scheduling/internal/db"
	"github.com/hackgods/donation-scheduling/internal/logging"
)

var (
	bloodGroups    = []string{"A+", "A-", "B+", "B-", "AB+", "AB-", "O+", "O-"}
	componentTypes = []string{"Whole Blood", "Red Cells", "Plasma", "Platelets"}
)

func main() {
	donors := flag.Int("donors", 5000, "number of donors to create")
	locations := flag.Int("locations", 12, "number of donation centres to create")
	bloodRequests := flag.Int("blood-requests", 40, "number of open blood requests to create")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("seed")
	logger.Info("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{})
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.ApplySchema(ctx, pool); err != nil {
		logger.Fatal("apply schema", zap.Error(err))
	}

	// 0 seeds from crypto/rand
	gofakeit.Seed(0)
	s := &seeder{pool: pool, log: logger}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"reference data", s.seedReferenceData},
		{"locations", func(ctx context.Context) error { return s.seedLocations(ctx, *locations) }},
		{"donors", func(ctx context.Context) error { return s.seedDonors(ctx, *donors) }},
		{"blood requests", func(ctx context.Context) error { return s.seedBloodRequests(ctx, *bloodRequests) }},
	}
	for _, step := range steps {
		if err := step.fn(context.Background()); err != nil {
			logger.Fatal("seed step failed", zap.String("step", step.name), zap.Error(err))
		}
	}

	logger.Info("seed complete")
}

type seeder struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func (s *seeder) seedReferenceData(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, name := range bloodGroups {
		if _, err := tx.Exec(ctx, `
			INSERT INTO blood_groups (id, name) VALUES ($1, $2)
			ON CONFLICT (name) DO NOTHING
		`, uuid.New(), name); err != nil {
			return fmt.Errorf("insert blood group %s: %w", name, err)
		}
	}
	for _, name := range componentTypes {
		if _, err := tx.Exec(ctx, `
			INSERT INTO component_types (id, name) VALUES ($1, $2)
			ON CONFLICT (name) DO NOTHING
		`, uuid.New(), name); err != nil {
			return fmt.Errorf("insert component type %s: %w", name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.log.Info("reference data seeded",
		zap.Int("blood_groups", len(bloodGroups)),
		zap.Int("component_types", len(componentTypes)))
	return nil
}

// seedLocations creates donation centres, each with a default capacity per slot, a smaller
// Saturday override and a two-week drive window on the first centre.
func (s *seeder) seedLocations(ctx context.Context, count int) error {
	s.log.Info("seeding locations", zap.Int("count", count))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	driveStart := time.Now().UTC().AddDate(0, 0, 14)
	for i := 0; i < count; i++ {
		id := uuid.New()
		addr := gofakeit.Address()
		name := fmt.Sprintf("%s Blood Centre", addr.City)

		if _, err := tx.Exec(ctx, `
			INSERT INTO locations (id, name, address, city, created_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), now())
		`, id, name, addr.Street, addr.City); err != nil {
			return err
		}

		for _, slot := range appointment.TimeSlots {
			total := gofakeit.Number(4, 20)
			if err := insertCapacity(ctx, tx, id, slot, total, nil, nil, nil); err != nil {
				return err
			}
			saturday := int16(time.Saturday)
			if err := insertCapacity(ctx, tx, id, slot, total/2, &saturday, nil, nil); err != nil {
				return err
			}
			if i == 0 {
				until := driveStart.AddDate(0, 0, 13)
				if err := insertCapacity(ctx, tx, id, slot, total*3, nil, &driveStart, &until); err != nil {
					return err
				}
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.log.Info("locations seeded")
	return nil
}

func insertCapacity(ctx context.Context, tx pgx.Tx, locationID uuid.UUID, slot appointment.TimeSlot, total int, dow *int16, from, until *time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO capacity_records (id, location_id, slot, total_capacity, day_of_week,
			effective_from, effective_until, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, now(), now())
	`, uuid.New(), locationID, string(slot), total, dow, from, until)
	return err
}

func (s *seeder) seedDonors(ctx context.Context, count int) error {
	s.log.Info("seeding donors", zap.Int("count", count))

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			_, err := tx.Exec(ctx, `
				INSERT INTO donors (id, full_name, email, phone, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
			`, uuid.New(), gofakeit.Name(), gofakeit.Email(), gofakeit.Phone())
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		s.log.Info("donors seeded", zap.Int("done", end), zap.Int("total", count))
	}
	return nil
}

func (s *seeder) seedBloodRequests(ctx context.Context, count int) error {
	rows, err := s.pool.Query(ctx, `SELECT id FROM blood_groups`)
	if err != nil {
		return err
	}
	groups, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return fmt.Errorf("no blood groups to attach requests to")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		group := groups[gofakeit.Number(0, len(groups)-1)]
		if _, err := tx.Exec(ctx, `
			INSERT INTO blood_requests (id, blood_group_id, units_needed, created_at)
			VALUES ($1, $2, $3, now())
		`, uuid.New(), group, gofakeit.Number(1, 6)); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.log.Info("blood requests seeded", zap.Int("count", count))
	return nil
}
