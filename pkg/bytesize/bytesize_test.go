package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"1024", 1024, false},
		{"0", 0, false},
		{"10B", 10, false},
		{"4KB", 4 * KB, false},
		{"4k", 4 * KB, false},
		{"1.5MB", MB + MB/2, false},
		{"512Mi", 512 * MB, false},
		{"8MiB", 8 * MB, false},
		{" 2 GB ", 2 * GB, false},
		{"", 0, true},
		{"lots", 0, true},
		{"-1MB", 0, true},
		{"1.2.3MB", 0, true},
		{"10XB", 0, true},
		{"1TB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "512 B", Format(512))
	assert.Equal(t, "1.5 KB", Format(1536))
	assert.Equal(t, "4.0 MB", Format(4*MB))
	assert.Equal(t, "2048.0 GB", Format(2048*GB))
}

func TestSize_YAML(t *testing.T) {
	var cfg struct {
		A Size `yaml:"a"`
		B Size `yaml:"b"`
		C Size `yaml:"c"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 16MB\nb: 4096\nc: 1000\n"), &cfg))
	assert.Equal(t, 16*MB, cfg.A.Bytes())
	assert.Equal(t, int64(4096), cfg.B.Bytes())

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.Equal(t, "a: 16MB\nb: 4KB\nc: 1000\n", string(out))

	assert.Error(t, yaml.Unmarshal([]byte("a: [1, 2]\n"), &cfg))
	assert.Error(t, yaml.Unmarshal([]byte("a: huge\n"), &cfg))
}

func TestSize_Flag(t *testing.T) {
	var s Size
	require.NoError(t, s.Set("256KB"))
	assert.Equal(t, 256*KB, s.Bytes())
	assert.Equal(t, "256.0 KB", s.String())
	assert.Equal(t, "size", s.Type())
	assert.Error(t, s.Set("much"))
}
