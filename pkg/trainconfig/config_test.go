package trainconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func mustJSON(t *testing.T, doc string) Config {
	t.Helper()
	var c Config
	require.NoError(t, json.Unmarshal([]byte(doc), &c))
	return c
}

func mustDocument(t *testing.T, doc string) Document {
	t.Helper()
	d, err := NewDocument([]byte(doc))
	require.NoError(t, err)
	return d
}

func TestConfig_UnmarshalJSONKeepsOrder(t *testing.T) {
	c := mustJSON(t, `{"zeta": 1, "alpha": "a", "mid": [1, 2], "flag": true, "nested": {"b": 1, "a": 2}, "none": null}`)

	assert.Equal(t, []string{"zeta", "alpha", "mid", "flag", "nested", "none"}, c.Keys())

	zeta, ok := c.Get("zeta")
	require.True(t, ok)
	assert.Equal(t, KindScalar, zeta.Kind())
	assert.True(t, zeta.IsNumber())
	assert.Equal(t, "1", zeta.String())

	mid, _ := c.Get("mid")
	assert.Equal(t, KindList, mid.Kind())
	assert.Len(t, mid.Items(), 2)

	nested, _ := c.Get("nested")
	assert.Equal(t, KindOther, nested.Kind())

	none, _ := c.Get("none")
	assert.Equal(t, KindOther, none.Kind())
}

func TestConfig_UnmarshalJSONDuplicateKeyKeepsFirstPosition(t *testing.T) {
	c := mustJSON(t, `{"a": 1, "b": 2, "a": 3}`)

	assert.Equal(t, []string{"a", "b"}, c.Keys())
	a, _ := c.Get("a")
	assert.Equal(t, "3", a.String())
}

func TestConfig_UnmarshalJSONNullAndErrors(t *testing.T) {
	var c Config
	require.NoError(t, json.Unmarshal([]byte(`null`), &c))
	assert.True(t, c.IsEmpty())

	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &c))
	assert.Error(t, json.Unmarshal([]byte(`"str"`), &c))
}

func TestConfig_MarshalJSONRoundTripsOrderAndNumbers(t *testing.T) {
	doc := `{"learning_rate":1e-4,"max_train_steps":1000,"model_type":"lora","validation":{"z":1,"a":[true]},"targets":["a","b"]}`
	c := mustJSON(t, doc)

	out, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, doc, string(out))
	assert.Equal(t, doc, string(out))
}

func TestConfig_MarshalConstructedValues(t *testing.T) {
	c := NewConfig(
		Entry{Key: "use_ema", Value: Bool(true)},
		Entry{Key: "steps", Value: Int(10)},
		Entry{Key: "lr", Value: Float(0.5)},
		Entry{Key: "name", Value: String("x")},
		Entry{Key: "tags", Value: List(String("a"), Int(2))},
		Entry{Key: "empty", Value: List()},
	)

	out, err := json.Marshal(c)
	require.NoError(t, err)
	assert.Equal(t, `{"use_ema":true,"steps":10,"lr":0.5,"name":"x","tags":["a",2],"empty":[]}`, string(out))
}

func TestConfig_UnmarshalYAMLKeepsOrder(t *testing.T) {
	doc := `
model_type: lora
num_epochs: 3
learning_rate: 0.0001
use_ema: true
resolution: 1024.0
targets:
  - to_q
  - to_k
extra:
  nested: 1
`
	var c Config
	require.NoError(t, yaml.Unmarshal([]byte(doc), &c))

	assert.Equal(t, []string{"model_type", "num_epochs", "learning_rate", "use_ema", "resolution", "targets", "extra"}, c.Keys())

	epochs, _ := c.Get("num_epochs")
	assert.Equal(t, "3", epochs.String())
	lr, _ := c.Get("learning_rate")
	assert.Equal(t, "0.0001", lr.String())
	res, _ := c.Get("resolution")
	assert.Equal(t, "1024.0", res.String())
	ema, _ := c.Get("use_ema")
	assert.True(t, ema.Bool())
	extra, _ := c.Get("extra")
	assert.Equal(t, KindOther, extra.Kind())
	assert.JSONEq(t, `{"nested":1}`, extra.String())
}

func TestConfig_UnmarshalYAMLRejectsSequence(t *testing.T) {
	var c Config
	assert.Error(t, yaml.Unmarshal([]byte("- a\n- b\n"), &c))
}

func TestFormatFloat(t *testing.T) {
	tests := map[float64]string{
		1:         "1.0",
		0.5:       "0.5",
		0.0001:    "0.0001",
		0.00001:   "1e-05",
		123456789: "123456789.0",
		1e16:      "1e+16",
		-2.25:     "-2.25",
		0:         "0.0",
	}
	for in, want := range tests {
		assert.Equal(t, want, formatFloat(in), "formatFloat(%v)", in)
	}
}

func TestValue_Truthy(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want bool
	}{
		{"true", Bool(true), true},
		{"false", Bool(false), false},
		{"string", String("x"), true},
		{"empty string", String(""), false},
		{"string zero", String("0"), true},
		{"int zero", Int(0), false},
		{"float zero", Float(0), false},
		{"int", Int(3), true},
		{"list", List(String("")), true},
		{"empty list", List(), false},
		{"other", Value{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.v.Truthy())
		})
	}
}

func TestPersist_WritesIndentedOrderedJSON(t *testing.T) {
	dir := t.TempDir()
	c := mustJSON(t, `{"b": 1, "a": true}`)

	path, err := Persist(dir, ConfigFileName, c)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ConfigFileName), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"b\": 1,\n  \"a\": true\n}\n", string(data))
}

func TestMaterializer_PersistSkipsEmptyDataloader(t *testing.T) {
	dir := t.TempDir()
	m := NewMaterializer(dir, nil)

	art := m.Persist(mustJSON(t, `{"a": 1}`), Document{})

	assert.Equal(t, filepath.Join(dir, ConfigFileName), art.ConfigPath)
	assert.Empty(t, art.DataloaderPath)
	assert.NoFileExists(t, filepath.Join(dir, DataloaderFileName))
}

func TestMaterializer_PersistWritesDataloader(t *testing.T) {
	dir := t.TempDir()
	m := NewMaterializer(dir, nil)

	art := m.Persist(Config{}, mustDocument(t, `[{"id": "my-data", "type": "local"}, {"id": "text-embeds", "dataset_type": "text_embeds"}]`))

	assert.FileExists(t, art.ConfigPath)
	require.NotEmpty(t, art.DataloaderPath)
	data, err := os.ReadFile(art.DataloaderPath)
	require.NoError(t, err)
	assert.Equal(t, `[
  {
    "id": "my-data",
    "type": "local"
  },
  {
    "id": "text-embeds",
    "dataset_type": "text_embeds"
  }
]
`, string(data))
}

func TestMaterializer_PersistFailureIsNotFatal(t *testing.T) {
	// A regular file where the config dir should be makes every write fail.
	blocker := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	m := NewMaterializer(blocker, nil)

	art := m.Persist(mustJSON(t, `{"a": 1}`), mustDocument(t, `{"b": 2}`))

	assert.Empty(t, art.ConfigPath)
	assert.Empty(t, art.DataloaderPath)
}
