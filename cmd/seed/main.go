package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mosabry99/ClinicWave/internal/config"
	"github.com/mosabry99/ClinicWave/internal/db"
	"github.com/mosabry99/ClinicWave/internal/logging"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

type seedOptions struct {
	clinics  int
	doctors  int
	rooms    int
	patients int
}

func main() {
	var opts seedOptions

	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Populate clinics, doctors, rooms and patients with fake data",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().IntVar(&opts.clinics, "clinics", 3, "Number of clinics")
	cmd.Flags().IntVar(&opts.doctors, "doctors", 10, "Doctors per clinic")
	cmd.Flags().IntVar(&opts.rooms, "rooms", 6, "Rooms per clinic")
	cmd.Flags().IntVar(&opts.patients, "patients", 3000, "Patients per clinic")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts seedOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.Env).With().Str("service", "seed").Logger()
	logger.Info().Int("clinics", opts.clinics).Int("doctors", opts.doctors).Int("rooms", opts.rooms).
		Int("patients", opts.patients).Msg("seed starting")

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(connectCtx, cfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	faker := gofakeit.New(0)

	for i := 0; i < opts.clinics; i++ {
		clinicID := uuid.New()
		name := faker.Company() + " Clinic"
		if err := seedClinic(ctx, pool, faker, clinicID, name, opts); err != nil {
			return fmt.Errorf("seed clinic %s: %w", name, err)
		}
		if err := seedPatients(ctx, pool, faker, clinicID, opts.patients, logger); err != nil {
			return fmt.Errorf("seed patients for %s: %w", name, err)
		}
		logger.Info().Str("clinic_id", clinicID.String()).Str("name", name).Msg("clinic seeded")
	}

	logger.Info().Msg("seed complete")
	return nil
}

func seedClinic(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, clinicID uuid.UUID, name string, opts seedOptions) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO clinics (id, name) VALUES ($1, $2)`, clinicID, name); err != nil {
		return err
	}

	for i := 0; i < opts.doctors; i++ {
		spec := specialties[faker.Number(0, len(specialties)-1)]
		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, clinic_id, name, specialty)
			VALUES ($1, $2, $3, $4)
		`, uuid.New(), clinicID, "Dr. "+faker.Name(), spec)
		if err != nil {
			return err
		}
	}

	for i := 0; i < opts.rooms; i++ {
		_, err := tx.Exec(ctx, `
			INSERT INTO rooms (id, clinic_id, name)
			VALUES ($1, $2, $3)
		`, uuid.New(), clinicID, fmt.Sprintf("Room %d%02d", i/10+1, i%10+1))
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, clinicID uuid.UUID, count int, logger zerolog.Logger) error {
	rows := make([][]any, 0, count)
	for i := 0; i < count; i++ {
		rows = append(rows, []any{uuid.New(), clinicID, faker.Name(), faker.Email(), faker.Phone()})
	}

	n, err := pool.CopyFrom(ctx,
		pgx.Identifier{"patients"},
		[]string{"id", "clinic_id", "name", "email", "phone"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return err
	}
	logger.Debug().Int64("rows", n).Str("clinic_id", clinicID.String()).Msg("patients copied")
	return nil
}
