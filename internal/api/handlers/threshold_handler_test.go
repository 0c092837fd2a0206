package handlers_test

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/sigforge/internal/models"
	"github.com/Wikid82/sigforge/internal/services"
	"github.com/Wikid82/sigforge/internal/threshold"
)

func TestThresholdHandler_Lifecycle(t *testing.T) {
	f := newAPIFixture(t, nil)
	_, rs := f.seed(t)
	base := "/rulesets/" + itoa(rs.ID) + "/thresholds"
	curl := f.ruleID(t, 1000001)

	wide := gin.H{
		"rule_id":        curl,
		"threshold_type": threshold.KindThreshold,
		"type":           threshold.TypeThreshold,
		"track_by":       threshold.TrackBySrc,
		"net":            "10.0.0.0/8",
		"count":          10,
		"seconds":        60,
	}
	w := f.do(t, http.MethodPost, base, wide)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.Threshold](t, w)
	assert.NotEmpty(t, created.UUID)

	narrow := gin.H{}
	for k, v := range wide {
		narrow[k] = v
	}
	narrow["net"] = "10.0.1.0/24"

	w = f.do(t, http.MethodPost, base+"/preview", narrow)
	require.Equal(t, http.StatusOK, w.Code)
	preview := decode[services.ThresholdPreview](t, w)
	require.Len(t, preview.Containing, 1)
	assert.Equal(t, created.UUID, preview.Containing[0].UUID)

	w = f.do(t, http.MethodPost, base, narrow)
	require.Equal(t, http.StatusConflict, w.Code)
	body := decode[gin.H](t, w)
	assert.EqualValues(t, 1000001, body["sid"])
	assert.Contains(t, body["error"], created.UUID)

	narrow["count"] = 0
	w = f.do(t, http.MethodPost, base, narrow)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	update := gin.H{"threshold_type": threshold.KindThreshold, "type": threshold.TypeLimit, "track_by": threshold.TrackByDst, "count": 1, "seconds": 30}
	w = f.do(t, http.MethodPut, "/thresholds/"+created.UUID, update)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, threshold.TrackByDst, decode[models.Threshold](t, w).TrackBy)

	w = f.do(t, http.MethodGet, base+"?rule_id="+itoa(curl), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.Threshold](t, w), 1)

	w = f.do(t, http.MethodDelete, "/thresholds/"+created.UUID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodGet, "/thresholds/"+created.UUID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestThresholdHandler_UnknownRuleset(t *testing.T) {
	f := newAPIFixture(t, nil)
	w := f.do(t, http.MethodPost, "/rulesets/42/thresholds", gin.H{
		"threshold_type": threshold.KindSuppress,
		"track_by":       threshold.TrackBySrc,
		"net":            "10.0.0.5",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
