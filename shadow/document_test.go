package shadow

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestApplyMergePatch(t *testing.T) {
	section := map[string]any{
		"temperature": float64(140),
		"mode":        "eco",
		"enabled":     true,
	}

	delta := applyMergePatch(section, Patch{
		"temperature": Number(125),
		"mode":        String("eco"),
		"enabled":     Null(),
		"target":      Number(120),
	})

	// changed, removed, and added keys appear in the delta. the no-op
	// key does not.
	assert.Equal(t, 3, len(delta))
	assert.Equal(t, float64(125), delta["temperature"].Scalar())
	assert.Equal(t, true, delta["enabled"].IsNull())
	assert.Equal(t, float64(120), delta["target"].Scalar())

	assert.Equal(t, map[string]any{
		"temperature": float64(125),
		"mode":        "eco",
		"target":      float64(120),
	}, section)
}

func TestApplyMergePatchNullOnAbsentKey(t *testing.T) {
	section := map[string]any{
		"temperature": float64(140),
	}

	delta := applyMergePatch(section, Patch{
		"ghost": Null(),
	})

	assert.Equal(t, 0, len(delta))
	assert.Equal(t, map[string]any{
		"temperature": float64(140),
	}, section)
}

func TestPatchJson(t *testing.T) {
	patch := Patch{}
	err := json.Unmarshal([]byte(`{"temperature": 140, "mode": "eco", "enabled": null}`), &patch)
	assert.Equal(t, nil, err)
	assert.Equal(t, float64(140), patch["temperature"].Scalar())
	assert.Equal(t, "eco", patch["mode"].Scalar())
	assert.Equal(t, true, patch["enabled"].IsNull())

	patchJson, err := json.Marshal(Patch{
		"enabled": Null(),
		"mode":    String("eco"),
	})
	assert.Equal(t, nil, err)
	roundTrip := Patch{}
	err = json.Unmarshal(patchJson, &roundTrip)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, roundTrip["enabled"].IsNull())
	assert.Equal(t, "eco", roundTrip["mode"].Scalar())
}

func TestPatchJsonRejectsNested(t *testing.T) {
	patch := Patch{}
	err := json.Unmarshal([]byte(`{"config": {"nested": 1}}`), &patch)
	assert.NotEqual(t, nil, err)

	patch = Patch{}
	err = json.Unmarshal([]byte(`{"values": [1, 2]}`), &patch)
	assert.NotEqual(t, nil, err)
}

func TestPatchValidate(t *testing.T) {
	err := Patch{
		"temperature": Number(140),
		"enabled":     Null(),
	}.validate()
	assert.Equal(t, nil, err)

	// the zero value is not a legal patch value
	err = Patch{
		"bad": PatchValue{},
	}.validate()
	_, ok := err.(*ValidationError)
	assert.Equal(t, true, ok)
}

func TestScalarValue(t *testing.T) {
	value, err := ScalarValue(42)
	assert.Equal(t, nil, err)
	assert.Equal(t, float64(42), value.Scalar())

	value, err = ScalarValue(nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, value.IsNull())

	_, err = ScalarValue(map[string]any{})
	_, ok := err.(*ValidationError)
	assert.Equal(t, true, ok)
}
