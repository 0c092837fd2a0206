package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/sigforge/internal/database"
	"github.com/Wikid82/sigforge/internal/feed"
	"github.com/Wikid82/sigforge/internal/models"
)

func TestLoadCatalog(t *testing.T) {
	f, err := os.Open("catalog.example.yaml")
	require.NoError(t, err)
	defer f.Close()

	cat, err := loadCatalog(f)
	require.NoError(t, err)
	require.Len(t, cat.Sources, 2)
	assert.Equal(t, "archive", cat.Sources[0].Datatype)
	assert.Equal(t, "off", cat.Sources[1].UpdateCron)
	require.Len(t, cat.Rulesets, 1)
	assert.Equal(t, []string{"et-open", "local-custom"}, cat.Rulesets[0].Sources)

	_, err = loadCatalog(strings.NewReader("sources:\n  - nmae: typo\n"))
	assert.Error(t, err)
}

func TestSeederApply(t *testing.T) {
	db := database.OpenTestDB(t)
	path := filepath.Join(t.TempDir(), "custom.rules")
	require.NoError(t, os.WriteFile(path, []byte(
		`alert http any any -> any any (msg:"local test"; sid:9000001; rev:1;)`+"\n"), 0o600))

	cat := &Catalog{
		Sources:  []CatalogSource{{Name: "custom", URI: path, Method: "local"}},
		Rulesets: []CatalogRuleset{{Name: "default", Sources: []string{"custom"}}},
	}
	s := newSeeder(db, feed.Mux{"local": &feed.FileFetcher{}}, true)
	require.NoError(t, s.apply(context.Background(), cat))
	require.NoError(t, s.apply(context.Background(), cat))

	var sources, rulesets, rules int64
	db.Model(&models.Source{}).Count(&sources)
	db.Model(&models.Ruleset{}).Count(&rulesets)
	db.Model(&models.Rule{}).Count(&rules)
	assert.Equal(t, int64(1), sources)
	assert.Equal(t, int64(1), rulesets)
	assert.Equal(t, int64(1), rules)

	var rs models.Ruleset
	require.NoError(t, db.Preload("Sources").Preload("Categories").First(&rs).Error)
	assert.Len(t, rs.Sources, 1)
	assert.Len(t, rs.Categories, 1)

	bad := &Catalog{Rulesets: []CatalogRuleset{{Name: "broken", Sources: []string{"missing"}}}}
	assert.ErrorContains(t, s.apply(context.Background(), bad), `unknown source "missing"`)
}
