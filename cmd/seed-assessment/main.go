package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/database"
	"github.com/stemsi/exstem-engine/internal/logger"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/service"
)

// Loads an assessment definition JSON into PostgreSQL and, when published,
// into the Redis cache of running servers. With -participant or -proctor it
// also prints a development token.
func main() {
	var (
		file        string
		publish     bool
		participant string
		proctor     string
	)
	flag.StringVar(&file, "file", "", "Path to the assessment definition JSON")
	flag.BoolVar(&publish, "publish", false, "Mark the assessment PUBLISHED")
	flag.StringVar(&participant, "participant", "", "Print a participant token for this id")
	flag.StringVar(&proctor, "proctor", "", "Print a proctor token for this id")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			log.Fatal().Err(err).Str("file", file).Msg("Failed to read definition")
		}
		var a model.Assessment
		if err := json.Unmarshal(raw, &a); err != nil {
			log.Fatal().Err(err).Str("file", file).Msg("Failed to parse definition")
		}
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		if a.Status == "" {
			a.Status = model.AssessmentStatusDraft
		}
		if publish {
			a.Status = model.AssessmentStatusPublished
		}

		pool, err := database.NewPostgresPool(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
		}
		defer pool.Close()

		rdb, err := database.NewRedisClient(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()

		svc := service.NewAssessmentService(repository.NewAssessmentRepository(pool), rdb, log)
		if err := svc.Save(ctx, &a); err != nil {
			var defErr *service.DefinitionError
			if errors.As(err, &defErr) {
				printFields(defErr.Fields)
			}
			log.Fatal().Err(err).Msg("Failed to save assessment")
		}

		fmt.Printf("Saved assessment %s (%s): %d questions, %d sections\n",
			a.ID, a.Status, len(a.Questions), len(a.Sections))
	}

	auth := service.NewAuthService(cfg)
	for _, t := range []struct {
		id   string
		role service.Role
	}{{participant, service.RoleParticipant}, {proctor, service.RoleProctor}} {
		if t.id == "" {
			continue
		}
		token, err := auth.IssueToken(t.id, t.role, 12*time.Hour)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to issue token")
		}
		fmt.Printf("%s token for %s:\n%s\n", t.role, t.id, token)
	}

	if file == "" && participant == "" && proctor == "" {
		flag.Usage()
	}
}

func printFields(fields map[string]string) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s: %s\n", k, fields[k])
	}
}
