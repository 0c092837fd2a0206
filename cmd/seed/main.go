// Command seed loads sources and rulesets from a YAML catalog.
//
//	seed -catalog catalog.yaml [-fetch]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/Wikid82/sigforge/internal/config"
	"github.com/Wikid82/sigforge/internal/database"
	rerrors "github.com/Wikid82/sigforge/internal/errors"
	"github.com/Wikid82/sigforge/internal/feed"
	"github.com/Wikid82/sigforge/internal/logger"
	"github.com/Wikid82/sigforge/internal/models"
	"github.com/Wikid82/sigforge/internal/services"
)

// Catalog is the seed file layout.
type Catalog struct {
	Sources  []CatalogSource  `yaml:"sources"`
	Rulesets []CatalogRuleset `yaml:"rulesets"`
}

type CatalogSource struct {
	Name        string `yaml:"name"`
	URI         string `yaml:"uri"`
	Method      string `yaml:"method"`
	Datatype    string `yaml:"datatype"`
	AuthKey     string `yaml:"auth_key"`
	InsecureTLS bool   `yaml:"insecure_tls"`
	UpdateCron  string `yaml:"update_cron"`
}

type CatalogRuleset struct {
	Name    string   `yaml:"name"`
	Descr   string   `yaml:"descr"`
	Sources []string `yaml:"sources"`
}

func loadCatalog(r io.Reader) (*Catalog, error) {
	var cat Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cat); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return &cat, nil
}

type seeder struct {
	db       *gorm.DB
	sources  *services.SourceService
	rulesets *services.RulesetService
	fetch    bool
}

func newSeeder(db *gorm.DB, fetchers feed.Mux, fetch bool) *seeder {
	sources := services.NewSourceService(db, fetchers, nil)
	return &seeder{
		db:       db,
		sources:  sources,
		rulesets: services.NewRulesetService(db, sources),
		fetch:    fetch,
	}
}

// apply creates what the catalog lists. Existing sources and rulesets are left
// as they are, so the command can be run repeatedly.
func (s *seeder) apply(ctx context.Context, cat *Catalog) error {
	ids := map[string]uint{}
	for _, cs := range cat.Sources {
		src := &models.Source{
			Name:        cs.Name,
			URI:         cs.URI,
			Method:      models.SourceMethod(cs.Method),
			Datatype:    models.SourceDatatype(cs.Datatype),
			AuthKey:     cs.AuthKey,
			InsecureTLS: cs.InsecureTLS,
			UpdateCron:  cs.UpdateCron,
		}
		log := logger.Log().WithField("source", cs.Name)
		err := s.sources.Create(src)
		var integrity *rerrors.IntegrityError
		switch {
		case errors.As(err, &integrity):
			if err := s.db.Where("name = ?", cs.Name).First(src).Error; err != nil {
				return fmt.Errorf("load source %q: %w", cs.Name, err)
			}
			log.Info("Source already exists")
		case err != nil:
			return fmt.Errorf("create source %q: %w", cs.Name, err)
		default:
			log.Info("Source created")
		}
		ids[cs.Name] = src.ID

		if s.fetch {
			res, err := s.sources.Update(ctx, src.ID)
			if err != nil {
				log.WithError(err).Warn("Initial fetch failed")
				continue
			}
			log.WithFields(logrus.Fields{"rules": res.Rules, "changed": res.Changed}).Info("Source fetched")
		}
	}

	for _, cr := range cat.Rulesets {
		rs := &models.Ruleset{Name: cr.Name, Descr: cr.Descr}
		err := s.rulesets.Create(rs)
		var integrity *rerrors.IntegrityError
		if errors.As(err, &integrity) {
			logger.Log().WithField("ruleset", cr.Name).Info("Ruleset already exists")
			continue
		}
		if err != nil {
			return fmt.Errorf("create ruleset %q: %w", cr.Name, err)
		}
		for _, name := range cr.Sources {
			id, ok := ids[name]
			if !ok {
				return fmt.Errorf("ruleset %q: unknown source %q", cr.Name, name)
			}
			if err := s.sources.ActivateOnRuleset(id, rs.ID); err != nil {
				return fmt.Errorf("ruleset %q: activate %q: %w", cr.Name, name, err)
			}
		}
		logger.Log().WithFields(logrus.Fields{"ruleset": cr.Name, "sources": len(cr.Sources)}).Info("Ruleset created")
	}
	return nil
}

func main() {
	catalogPath := flag.String("catalog", "catalog.yaml", "YAML catalog of sources and rulesets")
	fetch := flag.Bool("fetch", false, "fetch every source after creating it")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Log().WithError(err).Fatal("load config")
	}
	logger.Init(cfg.Debug, os.Stdout)

	f, err := os.Open(*catalogPath)
	if err != nil {
		logger.Log().WithError(err).Fatal("open catalog")
	}
	defer f.Close()
	cat, err := loadCatalog(f)
	if err != nil {
		logger.Log().WithError(err).Fatal("read catalog")
	}

	db, err := database.Connect(cfg.DatabasePath)
	if err != nil {
		logger.Log().WithError(err).Fatal("connect database")
	}

	fetchers := feed.Mux{
		string(models.SourceMethodHTTP):  feed.NewHTTPFetcher(cfg.FetchTimeout, cfg.FetchMaxBytes),
		string(models.SourceMethodLocal): &feed.FileFetcher{MaxBytes: cfg.FetchMaxBytes},
	}
	if err := newSeeder(db, fetchers, *fetch).apply(context.Background(), cat); err != nil {
		logger.Log().WithError(err).Fatal("seed")
	}
	logger.Log().Info("Seed complete")
}
