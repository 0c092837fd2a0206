package handlers_test

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/sigforge/internal/compiler"
	"github.com/Wikid82/sigforge/internal/models"
	"github.com/Wikid82/sigforge/internal/services"
	"github.com/Wikid82/sigforge/internal/snapshot"
)

func TestSourceHandler_CRUD(t *testing.T) {
	f := newAPIFixture(t, nil)
	path := f.feedFile(t, "et-open", curlRule)

	w := f.do(t, http.MethodPost, "/sources", gin.H{"name": "et-open", "uri": path, "method": "local", "auth_key": "secret"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "secret")
	src := decode[models.Source](t, w)
	assert.Equal(t, models.DatatypeSigs, src.Datatype)
	assert.Equal(t, 1, f.scheduler.syncs)

	w = f.do(t, http.MethodPost, "/sources", gin.H{"name": "et-open", "uri": path, "method": "local"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "name", decode[gin.H](t, w)["field"])

	w = f.do(t, http.MethodPost, "/sources", gin.H{"name": "bad", "uri": path, "method": "ftp"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/sources", gin.H{"name": "no-uri"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPut, "/sources/"+itoa(src.ID), gin.H{"name": "et-open", "uri": path, "method": "local", "update_cron": "off"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "off", decode[models.Source](t, w).UpdateCron)

	var stored models.Source
	require.NoError(t, f.db.First(&stored, src.ID).Error)
	assert.Equal(t, "secret", stored.AuthKey)

	w = f.do(t, http.MethodGet, "/sources", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.Source](t, w), 1)

	w = f.do(t, http.MethodGet, "/sources/"+itoa(src.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, decode[gin.H](t, w), "next_update")

	w = f.do(t, http.MethodGet, "/sources/999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodGet, "/sources/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodDelete, "/sources/"+itoa(src.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodDelete, "/sources/"+itoa(src.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 3, f.scheduler.syncs)
}

func TestSourceHandler_RefreshAndHistory(t *testing.T) {
	f := newAPIFixture(t, nil)
	src, _ := f.seed(t)
	id := itoa(src.ID)

	w := f.do(t, http.MethodGet, "/sources/"+id+"/categories", nil)
	require.Equal(t, http.StatusOK, w.Code)
	categories := decode[[]models.Category](t, w)
	require.Len(t, categories, 1)
	assert.Equal(t, "et-open", categories[0].Name)

	f.feedFile(t, "et-open", curlRule, dnsRule)
	w = f.do(t, http.MethodPost, "/sources/"+id+"/update", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[services.UpdateResult](t, w)
	assert.True(t, res.Changed)
	require.Len(t, res.Diff.Deleted, 1)
	assert.Equal(t, int64(1000002), res.Diff.Deleted[0].SID)

	w = f.do(t, http.MethodPost, "/sources/"+id+"/update", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[services.UpdateResult](t, w).Changed)

	w = f.do(t, http.MethodGet, "/sources/"+id+"/changelog", nil)
	require.Equal(t, http.StatusOK, w.Code)
	updates := decode[[]models.SourceUpdate](t, w)
	require.Len(t, updates, 2)
	assert.Equal(t, 2, updates[0].Version)
	assert.True(t, updates[0].Head)

	w = f.do(t, http.MethodGet, "/updates/"+updates[1].UUID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[models.SourceUpdate](t, w).Version)

	w = f.do(t, http.MethodGet, "/updates/"+updates[1].UUID+"/diff", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[snapshot.Diff](t, w).Added, 3)

	w = f.do(t, http.MethodGet, "/sources/"+id+"/diff?from=1&to=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[snapshot.Diff](t, w).Deleted, 1)

	w = f.do(t, http.MethodGet, "/sources/"+id+"/diff?from=1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodGet, "/sources/"+id+"/diff?from=1&to=9", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodGet, "/updates/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSourceHandler_FetchFailure(t *testing.T) {
	f := newAPIFixture(t, nil)
	w := f.do(t, http.MethodPost, "/sources", gin.H{"name": "gone", "uri": f.dir + "/missing.rules", "method": "local"})
	require.Equal(t, http.StatusCreated, w.Code)
	src := decode[models.Source](t, w)

	w = f.do(t, http.MethodPost, "/sources/"+itoa(src.ID)+"/update", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, false, decode[gin.H](t, w)["retryable"])

	var notifications []models.Notification
	require.NoError(t, f.db.Where("event = ?", models.EventFetchFailed).Find(&notifications).Error)
	assert.Len(t, notifications, 1)
}

func TestSourceHandler_ActivateUnknownRuleset(t *testing.T) {
	f := newAPIFixture(t, nil)
	src, _ := f.seed(t)

	w := f.do(t, http.MethodPost, "/sources/"+itoa(src.ID)+"/activate", gin.H{"ruleset_id": 999})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodPost, "/sources/"+itoa(src.ID)+"/activate", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSourceHandler_Test(t *testing.T) {
	f := newAPIFixture(t, nil)
	src, _ := f.seed(t)

	w := f.do(t, http.MethodPost, "/sources/"+itoa(src.ID)+"/test", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[compiler.TestResult](t, w)
	assert.True(t, res.Status)
	assert.Equal(t, "none", res.Validator)

	w = f.do(t, http.MethodPost, "/sources/999/test", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodPost, "/sources/abc/test", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
