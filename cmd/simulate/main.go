package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/donation-scheduling/internal/api"
	"github.com/hackgods/donation-scheduling/internal/appointment"
	"github.com/hackgods/donation-scheduling/internal/config"
	"github.com/hackgods/donation-scheduling/internal/db"
)

type SimConfig struct {
	APIBaseURL    string
	Workers       int
	DonorLimit    int
	LocationLimit int
	Days          int
	ApproveRatio  float64
	JWTSecret     []byte
	PostgresDSN   string
}

type DataPool struct {
	Donors    []uuid.UUID
	Locations []uuid.UUID
	mu        sync.RWMutex
	requests  []uuid.UUID // created appointment request IDs
}

func (dp *DataPool) AddRequest(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.requests = append(dp.requests, id)
}

func (dp *DataPool) Requests() []uuid.UUID {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	return append([]uuid.UUID(nil), dp.requests...)
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]

	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Booking      OperationMetrics
	Approve      OperationMetrics
	Availability OperationMetrics
	List         OperationMetrics
}

// Overfill is a slot holding more live requests than its resolved total.
type Overfill struct {
	Location uuid.UUID
	Date     string
	Slot     string
	Used     int
	Total    int
}

type Simulator struct {
	config    SimConfig
	pool      *DataPool
	client    *http.Client
	metrics   Metrics
	staff     appointment.Actor
	overfills []Overfill
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: workers=%d donors=%d locations=%d days=%d approve=%.2f",
		cfg.Workers, cfg.DonorLimit, cfg.LocationLimit, cfg.Days, cfg.ApproveRatio)

	// Load data from Postgres
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}

	log.Printf("loaded: %d donors, %d locations", len(dataPool.Donors), len(dataPool.Locations))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		staff: appointment.Actor{ID: uuid.New(), Role: appointment.RoleStaff},
	}

	if err := sim.Run(context.Background()); err != nil {
		log.Fatalf("simulation failed: %v", err)
	}

	sim.PrintReport()
	if len(sim.overfills) > 0 {
		os.Exit(1)
	}
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	return SimConfig{
		APIBaseURL:    getEnv("SIM_API_BASE_URL", "http://localhost:"+baseCfg.HTTPPort),
		Workers:       getInt("SIM_WORKERS", 32),
		DonorLimit:    getInt("SIM_DONOR_LIMIT", 2000),
		LocationLimit: getInt("SIM_LOCATION_LIMIT", 3),
		Days:          getInt("SIM_DAYS", 3),
		ApproveRatio:  getFloat("SIM_APPROVE_RATIO", 0.5),
		JWTSecret:     []byte(baseCfg.JWTSecret),
		PostgresDSN:   baseCfg.PostgresDSN,
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if len(cfg.JWTSecret) == 0 {
		return fmt.Errorf("JWT_SECRET is required to mint simulator tokens")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Days <= 0 || cfg.Days > appointment.MaxAvailabilityDays {
		return fmt.Errorf("SIM_DAYS must be between 1 and %d", appointment.MaxAvailabilityDays)
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	// Donors without a live request, so the duplicate rule does not mask capacity conflicts.
	rows, err := pool.Query(ctx, `
		SELECT d.id FROM donors d
		WHERE NOT EXISTS (
			SELECT 1 FROM appointment_requests ar
			WHERE ar.donor_id = d.id AND ar.status IN ('pending', 'approved', 'accepted', 'checked_in')
		)
		LIMIT $1
	`, cfg.DonorLimit)
	if err != nil {
		return nil, fmt.Errorf("load donors: %w", err)
	}
	dataPool.Donors, err = pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("load donors: %w", err)
	}

	rows, err = pool.Query(ctx, `
		SELECT DISTINCT location_id FROM capacity_records WHERE active LIMIT $1
	`, cfg.LocationLimit)
	if err != nil {
		return nil, fmt.Errorf("load locations: %w", err)
	}
	dataPool.Locations, err = pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("load locations: %w", err)
	}

	if len(dataPool.Donors) == 0 {
		return nil, fmt.Errorf("no donors loaded")
	}
	if len(dataPool.Locations) == 0 {
		return nil, fmt.Errorf("no locations with capacity loaded")
	}

	return dataPool, nil
}

// Run books every donor into a small set of slots at once, lets staff approve a share of the
// winners, then checks through the API that no slot ended above its total.
func (s *Simulator) Run(ctx context.Context) error {
	start := time.Now()
	from := time.Now().UTC().AddDate(0, 0, 1).Format(appointment.DateLayout)
	log.Printf("booking storm: %d donors, %d workers", len(s.pool.Donors), s.config.Workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Workers)
	for i, donor := range s.pool.Donors {
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
		donor := donor
		g.Go(func() error {
			s.doBooking(gctx, rng, donor)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	requests := s.pool.Requests()
	log.Printf("approving about %.0f%% of %d requests", s.config.ApproveRatio*100, len(requests))

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(s.config.Workers)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for _, id := range requests {
		if rng.Float64() >= s.config.ApproveRatio {
			continue
		}
		id := id
		g.Go(func() error {
			s.doApprove(gctx, id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	g, gctx = errgroup.WithContext(ctx)
	var mu sync.Mutex
	for _, loc := range s.pool.Locations {
		loc := loc
		g.Go(func() error {
			over, err := s.verifyLocation(gctx, loc, from)
			if err != nil {
				return fmt.Errorf("verify location %s: %w", loc, err)
			}
			mu.Lock()
			s.overfills = append(s.overfills, over...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	log.Printf("simulation complete in %s", time.Since(start).Round(time.Millisecond))
	return nil
}

func (s *Simulator) token(actor appointment.Actor) string {
	tok, err := api.IssueToken(s.config.JWTSecret, actor, time.Hour)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	return tok
}

func (s *Simulator) do(ctx context.Context, actor appointment.Actor, method, path string, body any) (*http.Response, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token(actor))

	start := time.Now()
	resp, err := s.client.Do(req)
	return resp, time.Since(start), err
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand, donorID uuid.UUID) {
	donor := appointment.Actor{ID: donorID, Role: appointment.RoleDonor}
	loc := s.pool.Locations[rng.Intn(len(s.pool.Locations))]
	date := time.Now().UTC().AddDate(0, 0, 1+rng.Intn(s.config.Days)).Format(appointment.DateLayout)
	slot := appointment.TimeSlots[rng.Intn(len(appointment.TimeSlots))]

	resp, latency, err := s.do(ctx, donor, http.MethodPost, "/appointment-requests/donor", map[string]any{
		"preferred_date": date,
		"preferred_slot": string(slot),
		"location_id":    loc.String(),
		"is_urgent":      rng.Intn(10) == 0,
	})

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusCreated {
			success = true
			var created struct {
				ID uuid.UUID `json:"id"`
			}
			if json.NewDecoder(resp.Body).Decode(&created) == nil && created.ID != uuid.Nil {
				s.pool.AddRequest(created.ID)
			}
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}

	s.metrics.Booking.Record(latency, success, conflict)
}

// doApprove confirms the request at its preferred slot, re-checking capacity server side.
func (s *Simulator) doApprove(ctx context.Context, id uuid.UUID) {
	resp, _, err := s.do(ctx, s.staff, http.MethodGet, "/appointment-requests/"+id.String(), nil)
	if err != nil {
		s.metrics.Approve.Record(0, false, false)
		return
	}
	var current api.AppointmentRequestResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&current)
	resp.Body.Close()
	if decodeErr != nil {
		s.metrics.Approve.Record(0, false, false)
		return
	}

	resp, latency, err := s.do(ctx, s.staff, http.MethodPost, "/appointment-requests/"+id.String()+"/approve", map[string]any{
		"confirmed_date": current.PreferredDate,
		"confirmed_slot": current.PreferredSlot,
		"notes":          "approved by simulator",
	})

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			success = true
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}

	s.metrics.Approve.Record(latency, success, conflict)
}

// verifyLocation compares the live requests per slot against the totals the availability
// endpoint reports.
func (s *Simulator) verifyLocation(ctx context.Context, loc uuid.UUID, from string) ([]Overfill, error) {
	path := fmt.Sprintf("/locations/%s/availability?from=%s&days=%d", loc, from, s.config.Days)
	resp, latency, err := s.do(ctx, s.staff, http.MethodGet, path, nil)
	if err != nil {
		s.metrics.Availability.Record(latency, false, false)
		return nil, err
	}
	defer resp.Body.Close()
	s.metrics.Availability.Record(latency, resp.StatusCode == http.StatusOK, false)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("availability returned %d", resp.StatusCode)
	}

	var grid []api.SlotAvailabilityResponse
	if err := json.NewDecoder(resp.Body).Decode(&grid); err != nil {
		return nil, err
	}

	used, err := s.countLive(ctx, loc, from)
	if err != nil {
		return nil, err
	}

	var over []Overfill
	for _, cell := range grid {
		n := used[cell.Date+"|"+cell.Slot]
		if n > cell.Total {
			over = append(over, Overfill{Location: loc, Date: cell.Date, Slot: cell.Slot, Used: n, Total: cell.Total})
		}
	}
	return over, nil
}

func (s *Simulator) countLive(ctx context.Context, loc uuid.UUID, from string) (map[string]int, error) {
	q := url.Values{}
	q.Set("location_id", loc.String())
	q.Set("from", from)
	q.Set("limit", strconv.Itoa(appointment.MaxListLimit))
	for _, st := range []appointment.RequestStatus{
		appointment.StatusPending, appointment.StatusApproved, appointment.StatusAccepted,
		appointment.StatusCheckedIn, appointment.StatusCompleted, appointment.StatusIncomplete,
	} {
		q.Add("status", string(st))
	}

	used := make(map[string]int)
	for offset := 0; ; offset += appointment.MaxListLimit {
		q.Set("offset", strconv.Itoa(offset))
		resp, latency, err := s.do(ctx, s.staff, http.MethodGet, "/appointment-requests?"+q.Encode(), nil)
		if err != nil {
			s.metrics.List.Record(latency, false, false)
			return nil, err
		}
		var page api.ListResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		s.metrics.List.Record(latency, resp.StatusCode == http.StatusOK && decodeErr == nil, false)
		if decodeErr != nil {
			return nil, decodeErr
		}

		for _, r := range page.Items {
			used[r.SlotDate+"|"+r.Slot]++
		}
		if len(page.Items) < appointment.MaxListLimit {
			return used, nil
		}
	}
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(repeat("=", 80))
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Donors: %d  Locations: %d  Days: %d\n", len(s.pool.Donors), len(s.pool.Locations), s.config.Days)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Approve", &s.metrics.Approve)
	printOperationReport("Availability", &s.metrics.Availability)
	printOperationReport("List", &s.metrics.List)

	if len(s.overfills) == 0 {
		fmt.Println("Capacity check: OK, no slot above its total")
		return
	}
	fmt.Printf("Capacity check: FAILED, %d overfilled slots\n", len(s.overfills))
	for _, o := range s.overfills {
		fmt.Printf("  %s %s %s: %d of %d\n", o.Location, o.Date, o.Slot, o.Used, o.Total)
	}
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func repeat(s string, n int) string {
	return strings.Repeat(s, n)
}
