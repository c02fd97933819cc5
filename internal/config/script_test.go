package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const scriptV12 = `version: bix-extension-app-v12
manifest:
  - ./
  - ./index.html
  - ./settings.html
  - ./style.css
  - ./app.js
  - ./manifest.json
  - ./icons/icon-192.png
  - ./icons/icon-512.png
  - ./fonts/lineseedjp_a_ttf_bd.ttf
`

func TestParseScript(t *testing.T) {
	script, err := ParseScript([]byte(scriptV12))
	require.NoError(t, err)
	require.Equal(t, "bix-extension-app-v12", script.Version)
	require.Len(t, script.Manifest, 9)
	require.Equal(t, "./", script.Manifest[0])
	require.Equal(t, Digest([]byte(scriptV12)), script.Digest)
}

func TestParseScriptRejectsInvalidDescriptors(t *testing.T) {
	tests := map[string]string{
		"missing version": "manifest:\n  - ./\n",
		"blank entry":     "version: v1\nmanifest:\n  - ./\n  - \"  \"\n",
		"not yaml":        "version: [unterminated\n",
	}
	for name, raw := range tests {
		raw := raw
		t.Run(name, func(t *testing.T) {
			_, err := ParseScript([]byte(raw))
			require.Error(t, err)
		})
	}
}

func TestDigestChangesWithBytes(t *testing.T) {
	a := Digest([]byte(scriptV12))
	b := Digest([]byte(scriptV12 + "\n"))
	require.NotEqual(t, a, b)
	require.Equal(t, a, Digest([]byte(scriptV12)))
}

func TestLoadScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(scriptV12), 0o600))
	script, err := LoadScript(path)
	require.NoError(t, err)
	require.Equal(t, "bix-extension-app-v12", script.Version)

	_, err = LoadScript(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestInlineScript(t *testing.T) {
	a := InlineScript(WorkerConfig{Version: " v1 ", Manifest: []string{" ./ ", "./index.html"}})
	require.Equal(t, "v1", a.Version)
	require.Equal(t, []string{"./", "./index.html"}, a.Manifest)
	require.NotEmpty(t, a.Digest)

	b := InlineScript(WorkerConfig{Version: "v1", Manifest: []string{"./"}})
	require.NotEqual(t, a.Digest, b.Digest)
}
