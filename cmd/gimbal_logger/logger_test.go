package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenStatus(t *testing.T) {
	fields := map[string]interface{}{}
	flattenStatus(fields, map[string]interface{}{
		"YawPosition": 1.0,
		"Errors":      map[string]interface{}{"pitch": "timeout"},
		"List":        []interface{}{"a", "b"},
	}, "")
	want := map[string]interface{}{
		"YawPosition":  1.0,
		"Errors.pitch": "timeout",
		"List.0":       "a",
		"List.1":       "b",
	}
	if diff := cmp.Diff(want, fields); diff != "" {
		t.Errorf("flattenStatus() mismatch (-want +got):\n%s", diff)
	}
}

func TestStatusPoint(t *testing.T) {
	p, err := statusPoint([]byte(`{"status":{"Time":"2024-05-01T12:00:00Z","YawPosition":12050,"PitchPosition":4500,"YawSpeed":90,"PitchSpeed":90}}`))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, measurement, p.Name())
	assert.Equal(t, 2024, p.Time().Year())

	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, 120.5, fields["YawDegrees"])
	assert.Equal(t, 45.0, fields["PitchDegrees"])
	assert.Equal(t, 12050.0, fields["YawPosition"])
	assert.NotContains(t, fields, "Time")

	p, err = statusPoint([]byte(`{"reply":{"command":"get_status"}}`))
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = statusPoint([]byte(`not json`))
	assert.Error(t, err)
}
