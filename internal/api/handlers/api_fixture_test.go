package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Wikid82/sigforge/internal/api/handlers"
	"github.com/Wikid82/sigforge/internal/compiler"
	"github.com/Wikid82/sigforge/internal/database"
	"github.com/Wikid82/sigforge/internal/feed"
	"github.com/Wikid82/sigforge/internal/models"
	"github.com/Wikid82/sigforge/internal/probe"
	"github.com/Wikid82/sigforge/internal/services"
)

const (
	curlRule = `alert http $HOME_NET any -> $EXTERNAL_NET any (msg:"ET POLICY curl"; content:"curl/"; sid:1000001; rev:1;)`
	wgetRule = `# alert http $HOME_NET any -> $EXTERNAL_NET any (msg:"ET POLICY wget"; content:"Wget/"; sid:1000002; rev:1;)`
	dnsRule  = `alert dns any any -> any any (msg:"ET DNS query"; sid:1000003; rev:2;)`
)

type apiFixture struct {
	db        *gorm.DB
	router    *gin.Engine
	dir       string
	notifier  *services.NotificationService
	sources   *services.SourceService
	rulesets  *services.RulesetService
	rules     *services.RuleService
	compiler  *compiler.Compiler
	scheduler *fakeScheduler
}

type fakeScheduler struct {
	syncs int
}

func (f *fakeScheduler) Sync() error { f.syncs++; return nil }

func (f *fakeScheduler) Next(uint) time.Time { return time.Time{} }

func newAPIFixture(t *testing.T, backend probe.Backend) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := database.OpenTestDB(t)

	f := &apiFixture{db: db, dir: t.TempDir(), scheduler: &fakeScheduler{}}
	f.notifier = services.NewNotificationService(db)
	f.sources = services.NewSourceService(db, feed.Mux{string(models.SourceMethodLocal): &feed.FileFetcher{}}, f.notifier)
	f.compiler = compiler.New(db, nil, backend)
	f.rulesets = services.NewRulesetService(db, f.sources)
	f.rules = services.NewRuleService(db, f.compiler)
	thresholds := services.NewThresholdService(db)

	r := gin.New()
	api := r.Group("/api/v1")

	sh := handlers.NewSourceHandler(f.sources, f.rules, f.compiler, f.scheduler)
	api.GET("/sources", sh.List)
	api.POST("/sources", sh.Create)
	api.GET("/sources/:id", sh.Get)
	api.PUT("/sources/:id", sh.Update)
	api.DELETE("/sources/:id", sh.Delete)
	api.POST("/sources/:id/update", sh.Refresh)
	api.POST("/sources/:id/activate", sh.Activate)
	api.POST("/sources/:id/test", sh.Test)
	api.GET("/sources/:id/categories", sh.Categories)
	api.GET("/sources/:id/changelog", sh.Changelog)
	api.GET("/sources/:id/diff", sh.DiffVersions)
	api.GET("/updates/:uuid", sh.GetUpdate)
	api.GET("/updates/:uuid/diff", sh.DiffUpdate)

	rh := handlers.NewRulesetHandler(f.rulesets, f.compiler, f.notifier)
	api.GET("/rulesets", rh.List)
	api.POST("/rulesets", rh.Create)
	api.GET("/rulesets/:id", rh.Get)
	api.PUT("/rulesets/:id", rh.Update)
	api.DELETE("/rulesets/:id", rh.Delete)
	api.POST("/rulesets/:id/copy", rh.Copy)
	api.PUT("/rulesets/:id/sources", rh.SetSources)
	api.PUT("/rulesets/:id/categories", rh.SetCategories)
	api.POST("/rulesets/:id/categories/:category_id/enable", rh.EnableCategory)
	api.POST("/rulesets/:id/categories/:category_id/disable", rh.DisableCategory)
	api.PUT("/rulesets/:id/categories/:category_id/transform", rh.TransformCategory)
	api.POST("/rulesets/:id/rules/:rule_id/enable", rh.EnableRule)
	api.POST("/rulesets/:id/rules/:rule_id/disable", rh.DisableRule)
	api.PUT("/rulesets/:id/rules/:rule_id/transform", rh.TransformRule)
	api.POST("/rulesets/:id/bulk", rh.Bulk)
	api.GET("/rulesets/:id/rules", rh.Rules)
	api.GET("/rulesets/:id/export", rh.Export)
	api.POST("/rulesets/:id/test", rh.Test)
	api.POST("/rulesets/:id/deploy", rh.Deploy)
	api.POST("/rulesets/:id/update", rh.Refresh)
	api.GET("/rulesets/:id/changelog", rh.Changelog)

	th := handlers.NewThresholdHandler(thresholds)
	api.GET("/rulesets/:id/thresholds", th.List)
	api.POST("/rulesets/:id/thresholds", th.Create)
	api.POST("/rulesets/:id/thresholds/preview", th.Preview)
	api.GET("/thresholds/:uuid", th.Get)
	api.PUT("/thresholds/:uuid", th.Update)
	api.DELETE("/thresholds/:uuid", th.Delete)

	ruh := handlers.NewRuleHandler(f.rules, f.compiler)
	api.GET("/rules", ruh.List)
	api.GET("/search", ruh.Search)
	api.GET("/rules/:id", ruh.Get)
	api.GET("/sids/:sid", ruh.GetBySID)
	api.GET("/rules/:id/flowbits", ruh.Flowbits)
	api.PUT("/rules/:id/availability", ruh.SetAvailability)
	api.GET("/rules/:id/references", ruh.References)
	api.GET("/rules/:id/status", ruh.Status)
	api.POST("/rules/:id/test", ruh.Test)

	if backend != nil {
		api.GET("/probes", handlers.NewProbeHandler(backend).Hostnames)
	}

	f.router = r
	return f
}

// feedFile writes a local feed and returns its path.
func (f *apiFixture) feedFile(t *testing.T, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(f.dir, name+".rules")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))
	return path
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/api/v1"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// seed creates a local source, imports it and activates it on a new ruleset "prod".
func (f *apiFixture) seed(t *testing.T) (models.Source, models.Ruleset) {
	t.Helper()
	path := f.feedFile(t, "et-open", curlRule, wgetRule, dnsRule)
	w := f.do(t, http.MethodPost, "/sources", gin.H{"name": "et-open", "uri": path, "method": "local"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	src := decode[models.Source](t, w)

	w = f.do(t, http.MethodPost, "/sources/"+itoa(src.ID)+"/update", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/rulesets", gin.H{"name": "prod"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rs := decode[models.Ruleset](t, w)

	w = f.do(t, http.MethodPost, "/sources/"+itoa(src.ID)+"/activate", gin.H{"ruleset_id": rs.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return src, rs
}

func (f *apiFixture) ruleID(t *testing.T, sid int64) uint {
	t.Helper()
	var rule models.Rule
	require.NoError(t, f.db.Where("sid = ?", sid).First(&rule).Error)
	return rule.ID
}

func itoa(id uint) string { return strconv.FormatUint(uint64(id), 10) }
