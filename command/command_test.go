package command

import (
	"encoding/json"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDefaults = Defaults{CommandType: 1, RegisterAddress: 0}

func translatePayload(t *testing.T, payload string) string {
	t.Helper()
	req, err := Decode([]byte(payload))
	require.NoError(t, err)
	cmd, err := Translate(req, testDefaults)
	require.NoError(t, err)
	line, err := cmd.Line()
	require.NoError(t, err)
	return line
}

func TestTranslateLine(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		expected string
	}{
		{
			name:     "flat parameters",
			payload:  `{"Dir_Esclavo": 5, "Valor": 10}`,
			expected: `{"Tipo_Com":1,"Funcion":"Write","Dir_Registro":0,"Dir_Esclavo":5,"Valor":10}`,
		},
		{
			name:     "subsystem wraps parameters",
			payload:  `{"Dir_Esclavo": 7, "Sistemas": "Riego", "Zona": 2}`,
			expected: `{"Tipo_Com":1,"Funcion":"Write","Dir_Registro":0,"Dir_Esclavo":7,"Riego":[{"Zona":2}]}`,
		},
		{
			name:     "subsystem without parameters",
			payload:  `{"Sistemas": "Luces", "Dir_Esclavo": 3}`,
			expected: `{"Tipo_Com":1,"Funcion":"Write","Dir_Registro":0,"Dir_Esclavo":3,"Luces":[{}]}`,
		},
		{
			name:     "only slave address",
			payload:  `{"Dir_Esclavo": 1}`,
			expected: `{"Tipo_Com":1,"Funcion":"Write","Dir_Registro":0,"Dir_Esclavo":1}`,
		},
		{
			name:     "parameter order follows payload",
			payload:  `{"B": 2, "Dir_Esclavo": 9, "A": 1}`,
			expected: `{"Tipo_Com":1,"Funcion":"Write","Dir_Registro":0,"Dir_Esclavo":9,"B":2,"A":1}`,
		},
		{
			name:     "parameter overrides default in place",
			payload:  `{"Dir_Esclavo": 5, "Tipo_Com": 3, "Dir_Registro": 12}`,
			expected: `{"Tipo_Com":3,"Funcion":"Write","Dir_Registro":12,"Dir_Esclavo":5}`,
		},
		{
			name:     "nested values are compacted",
			payload:  `{"Dir_Esclavo": "A1", "Sistemas": "Riego", "Horario": { "ini" : [ 6, 30 ] }, "Activo": true}`,
			expected: `{"Tipo_Com":1,"Funcion":"Write","Dir_Registro":0,"Dir_Esclavo":"A1","Riego":[{"Horario":{"ini":[6,30]},"Activo":true}]}`,
		},
		{
			name:     "numeric literals kept as sent",
			payload:  `{"Dir_Esclavo": 5, "Valor": 10.50, "Big": 12345678901234567890}`,
			expected: `{"Tipo_Com":1,"Funcion":"Write","Dir_Registro":0,"Dir_Esclavo":5,"Valor":10.50,"Big":12345678901234567890}`,
		},
		{
			name:     "numeric subsystem name",
			payload:  `{"Dir_Esclavo": 5, "Sistemas": 4, "On": 1}`,
			expected: `{"Tipo_Com":1,"Funcion":"Write","Dir_Registro":0,"Dir_Esclavo":5,"4":[{"On":1}]}`,
		},
		{
			name:     "duplicate key keeps last value",
			payload:  `{"Dir_Esclavo": 5, "Valor": 1, "Valor": 2}`,
			expected: `{"Tipo_Com":1,"Funcion":"Write","Dir_Registro":0,"Dir_Esclavo":5,"Valor":2}`,
		},
		{
			name:     "no html escaping",
			payload:  `{"Dir_Esclavo": 5, "Cond": "a<b&c"}`,
			expected: `{"Tipo_Com":1,"Funcion":"Write","Dir_Registro":0,"Dir_Esclavo":5,"Cond":"a<b&c"}`,
		},
		{
			name:     "unicode keys and values",
			payload:  `{"Dir_Esclavo": 5, "Sistemas": "Válvula", "Dirección": "Norte"}`,
			expected: `{"Tipo_Com":1,"Funcion":"Write","Dir_Registro":0,"Dir_Esclavo":5,"Válvula":[{"Dirección":"Norte"}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, translatePayload(t, tt.payload))
		})
	}
}

func TestTranslateUsesDefaults(t *testing.T) {
	req, err := Decode([]byte(`{"Dir_Esclavo": 2}`))
	require.NoError(t, err)

	cmd, err := Translate(req, Defaults{CommandType: 4, RegisterAddress: 100})
	require.NoError(t, err)

	assert.Equal(t, 4, cmd.CommandType)
	assert.Equal(t, FunctionWrite, cmd.Function)
	assert.Equal(t, 100, cmd.RegisterAddress)
	assert.JSONEq(t, `2`, string(cmd.SlaveAddress))
}

func TestTranslateFlatTopLevelKeys(t *testing.T) {
	payloads := []string{
		`{"Dir_Esclavo": 1}`,
		`{"Dir_Esclavo": 1, "x": 1, "y": "z"}`,
		`{"a": [1, 2], "Dir_Esclavo": {"id": 3}, "b": null}`,
	}

	for _, payload := range payloads {
		req, err := Decode([]byte(payload))
		require.NoError(t, err)
		cmd, err := Translate(req, testDefaults)
		require.NoError(t, err)
		line, err := cmd.Line()
		require.NoError(t, err)

		var out map[string]json.RawMessage
		require.NoError(t, json.Unmarshal([]byte(line), &out))

		expected := []string{KeyCommandType, KeyFunction, KeyRegisterAddress, KeySlaveAddress}
		for _, f := range req.Fields {
			if f.Key != KeySlaveAddress {
				expected = append(expected, f.Key)
			}
		}
		assert.ElementsMatch(t, expected, keys(out), payload)
	}
}

func TestTranslateSubsystemExcludesControlKeys(t *testing.T) {
	line := translatePayload(t, `{"Dir_Esclavo": 7, "Sistemas": "Riego", "Zona": 2}`)

	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(line), &out))

	assert.NotContains(t, out, "Zona")
	assert.NotContains(t, out, KeySubsystem)
	require.Contains(t, out, "Riego")

	var wrapped []map[string]any
	require.NoError(t, json.Unmarshal(out["Riego"], &wrapped))
	require.Len(t, wrapped, 1)
	assert.Equal(t, map[string]any{"Zona": float64(2)}, wrapped[0])
}

func TestTranslateMissingSlaveAddress(t *testing.T) {
	req, err := Decode([]byte(`{"Sistemas": "Riego", "Zona": 2}`))
	require.NoError(t, err)

	cmd, err := Translate(req, testDefaults)

	assert.Nil(t, cmd)
	var valErr *ValidationError
	require.True(t, errors.As(err, &valErr))
	assert.Equal(t, KeySlaveAddress, valErr.Field)
	assert.Equal(t, "missing required field", valErr.Reason)
}

func TestTranslateInvalidSubsystemName(t *testing.T) {
	for _, payload := range []string{
		`{"Dir_Esclavo": 1, "Sistemas": {"a": 1}}`,
		`{"Dir_Esclavo": 1, "Sistemas": ["a"]}`,
	} {
		req, err := Decode([]byte(payload))
		require.NoError(t, err)

		_, err = Translate(req, testDefaults)

		var valErr *ValidationError
		assert.True(t, errors.As(err, &valErr), payload)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	line := translatePayload(t, `{"Dir_Esclavo": "S-1", "Sistemas": "Riego", "Zona": 2, "Modo": "auto", "Caudal": 1.25, "Dias": [1, 3]}`)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &decoded))

	assert.Equal(t, map[string]any{
		"Tipo_Com":     float64(1),
		"Funcion":      "Write",
		"Dir_Registro": float64(0),
		"Dir_Esclavo":  "S-1",
		"Riego": []any{map[string]any{
			"Zona":   float64(2),
			"Modo":   "auto",
			"Caudal": 1.25,
			"Dias":   []any{float64(1), float64(3)},
		}},
	}, decoded)
}

func TestCommandMarshalJSON(t *testing.T) {
	req, err := Decode([]byte(`{"Dir_Esclavo": 5, "Valor": 10}`))
	require.NoError(t, err)
	cmd, err := Translate(req, testDefaults)
	require.NoError(t, err)

	b, err := json.Marshal(cmd)
	require.NoError(t, err)
	assert.Equal(t, `{"Tipo_Com":1,"Funcion":"Write","Dir_Registro":0,"Dir_Esclavo":5,"Valor":10}`, string(b))
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"malformed", []byte(`{"Dir_Esclavo": `)},
		{"not json", []byte(`hello`)},
		{"empty", []byte(``)},
		{"array", []byte(`[{"Dir_Esclavo": 1}]`)},
		{"string", []byte(`"Dir_Esclavo"`)},
		{"trailing data", []byte(`{"Dir_Esclavo": 1} {}`)},
		{"invalid utf8", []byte{'{', '"', 0xff, '"', ':', '1', '}'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.payload)

			var decErr *DecodeError
			assert.True(t, errors.As(err, &decErr), "expected DecodeError, got %v", err)
		})
	}
}

func TestDecodeKeepsOrder(t *testing.T) {
	req, err := Decode([]byte("{\"z\": 1, \"a\": 2, \"m\": 3}\n"))
	require.NoError(t, err)

	var got []string
	for _, f := range req.Fields {
		got = append(got, f.Key)
	}
	assert.Equal(t, []string{"z", "a", "m"}, got)

	v, ok := req.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "2", string(v))

	_, ok = req.Get("missing")
	assert.False(t, ok)
}

func keys(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
