package model_test

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mealforge/sentinel/internal/model"
)

// ---- RecordMetricRequest -------------------------------------------------

func TestRecordMetricRequest_HappyPath(t *testing.T) {
	r := model.RecordMetricRequest{Name: "recipes.created", Value: 3, Labels: map[string]string{"source": "api"}}
	assert.NoError(t, r.Validate())
}

func TestRecordMetricRequest_NameRequired(t *testing.T) {
	err := model.RecordMetricRequest{Name: "  ", Value: 1}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")
}

func TestRecordMetricRequest_NameAtExactMax(t *testing.T) {
	r := model.RecordMetricRequest{Name: strings.Repeat("x", model.MaxMetricNameLen), Value: 1}
	assert.NoError(t, r.Validate(), "at the limit should pass")
}

func TestRecordMetricRequest_NameOverMax(t *testing.T) {
	r := model.RecordMetricRequest{Name: strings.Repeat("x", model.MaxMetricNameLen+1), Value: 1}
	assert.Error(t, r.Validate())
}

func TestRecordMetricRequest_RejectsNonFinite(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		err := model.RecordMetricRequest{Name: "x", Value: v}.Validate()
		assert.Error(t, err, "value %v", v)
	}
}

func TestRecordMetricRequest_TooManyLabels(t *testing.T) {
	labels := make(map[string]string, model.MaxLabelCount+1)
	for i := 0; i <= model.MaxLabelCount; i++ {
		labels[strings.Repeat("k", i+1)] = "v"
	}
	err := model.RecordMetricRequest{Name: "x", Value: 1, Labels: labels}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "labels")
}

// ---- ReportErrorRequest --------------------------------------------------

func TestReportErrorRequest_DefaultSeverityAccepted(t *testing.T) {
	r := model.ReportErrorRequest{ComponentType: "cache", Message: "redis timeout"}
	assert.NoError(t, r.Validate())
}

func TestReportErrorRequest_InvalidSeverity(t *testing.T) {
	r := model.ReportErrorRequest{ComponentType: "cache", Severity: "fatal"}
	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "severity")
}

func TestReportErrorRequest_ComponentRequired(t *testing.T) {
	assert.Error(t, model.ReportErrorRequest{Message: "x"}.Validate())
}

// ---- Severity / time helpers ---------------------------------------------

func TestParseSeverity(t *testing.T) {
	s, err := model.ParseSeverity("")
	require.NoError(t, err)
	assert.Equal(t, model.SeverityWarning, s)

	s, err = model.ParseSeverity("critical")
	require.NoError(t, err)
	assert.Equal(t, model.SeverityCritical, s)
	assert.Greater(t, model.SeverityCritical.Rank(), model.SeverityError.Rank())
}

func TestHourAndDayStart(t *testing.T) {
	ts := time.Date(2026, 3, 4, 15, 42, 11, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC), model.HourStart(ts))
	assert.Equal(t, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), model.DayStart(ts))
}

func TestSnapshotFromSamplesKeepsLastValue(t *testing.T) {
	at := time.Now()
	snap := model.SnapshotFromSamples(model.KindSystem, []model.MetricSample{
		{Name: "cpu", Value: 10},
		{Name: "cpu", Value: 20},
		{Name: "mem", Value: 5},
	}, at)
	assert.Equal(t, model.KindSystem, snap.Kind)
	assert.Equal(t, 20.0, snap.Values["cpu"])
	assert.Equal(t, 5.0, snap.Values["mem"])
}
