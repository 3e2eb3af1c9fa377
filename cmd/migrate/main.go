package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"medgate.org/internal/migrate"
	"medgate.org/internal/obs"
	"medgate.org/internal/store/pg"
)

func main() {
	var (
		dsn      = flag.String("dsn", os.Getenv("MEDGATE_PG_DSN"), "PostgreSQL DSN")
		logLevel = flag.String("log-level", "info", "log level")
		seedsDir = flag.String("seeds", "", "directory of extra SQL seed files applied by seed")
	)
	flag.Parse()
	obs.InitLogger(*logLevel, "console")
	logger := obs.Logger()

	if *dsn == "" {
		logger.Fatal().Msg("missing DSN: provide via -dsn or MEDGATE_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		logger.Fatal().Msg("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	migrations, err := fs.Sub(pg.Migrations, "migrations")
	if err != nil {
		logger.Fatal().Err(err).Msg("migrations fs")
	}
	opts := []migrate.Option{migrate.WithCollections(pg.CollectionNames()...)}
	if *seedsDir != "" {
		opts = append(opts, migrate.WithSeeds(os.DirFS(*seedsDir)))
	}
	mgr := migrate.NewManager(db, migrations, opts...)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []migrate.Step
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, s := range history {
				fmt.Printf("%-10s %-40s %s\n", s.Kind, s.Name, s.AppliedAt.Format(time.RFC3339))
			}
		}
	default:
		logger.Fatal().Str("command", flag.Arg(0)).Msg("unknown command")
	}
	if err != nil {
		logger.Fatal().Err(err).Str("command", flag.Arg(0)).Msg("migrate failed")
	}
	logger.Info().Str("command", flag.Arg(0)).Msg("migrate done")
}
