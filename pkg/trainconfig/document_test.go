package trainconfig

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDocument_JSONShapes(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		raw   string
		empty bool
	}{
		{"array", `[ {"id": "a"}, {"id": "b"} ]`, `[{"id":"a"},{"id":"b"}]`, false},
		{"object keeps order", `{"z": 1, "a": [1, 2]}`, `{"z":1,"a":[1,2]}`, false},
		{"null", `null`, `null`, true},
		{"empty object", `{ }`, `{}`, true},
		{"empty array", `[]`, `[]`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Document
			require.NoError(t, json.Unmarshal([]byte(tt.doc), &d))
			assert.Equal(t, tt.raw, string(d.Raw()))
			assert.Equal(t, tt.empty, d.IsEmpty())
		})
	}

	assert.True(t, Document{}.IsEmpty())
	_, err := NewDocument([]byte(`[1,`))
	assert.Error(t, err)
}

func TestDocument_InsideRequestStruct(t *testing.T) {
	var req struct {
		Dataloader Document `json:"dataloader"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"dataloader": [{"id": "set", "resolution": 1024}]}`), &req))
	assert.Equal(t, `[{"id":"set","resolution":1024}]`, string(req.Dataloader.Raw()))

	out, err := json.Marshal(req)
	require.NoError(t, err)
	assert.Equal(t, `{"dataloader":[{"id":"set","resolution":1024}]}`, string(out))

	var absent struct {
		Dataloader Document `json:"dataloader"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{}`), &absent))
	assert.True(t, absent.Dataloader.IsEmpty())
}

func TestDocument_YAMLToOrderedJSON(t *testing.T) {
	doc := `
- id: pseudo-camera-10k
  type: local
  crop: true
  resolution: 0.5
  repeats: 0
- id: text-embeds
  dataset_type: text_embeds
  default: true
  cache_dir: null
`
	var d Document
	require.NoError(t, yaml.Unmarshal([]byte(doc), &d))
	assert.Equal(t,
		`[{"id":"pseudo-camera-10k","type":"local","crop":true,"resolution":0.5,"repeats":0},`+
			`{"id":"text-embeds","dataset_type":"text_embeds","default":true,"cache_dir":null}]`,
		string(d.Raw()))
}
