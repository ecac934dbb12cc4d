package modelproviders

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEmbeddedCatalog(t *testing.T) {
	c, err := LoadCatalog("")
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}

	p, err := c.Get("local-large")
	if err != nil {
		t.Fatalf("Get local-large: %v", err)
	}
	if p.Backend != BackendDocker || p.Docker.Image == "" || p.BaseURL == "" {
		t.Errorf("unexpected local-large entry: %+v", p)
	}

	ext, err := c.Get("openai")
	if err != nil {
		t.Fatalf("Get openai: %v", err)
	}
	if ext.Backend != BackendExternal {
		t.Errorf("expected external backend, got %s", ext.Backend)
	}
}

func TestCatalogListSorted(t *testing.T) {
	c, err := LoadCatalog("")
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	list := c.List()
	if len(list) < 2 {
		t.Fatalf("expected multiple providers, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Kind >= list[i].Kind {
			t.Errorf("list not sorted: %s before %s", list[i-1].Kind, list[i].Kind)
		}
	}
}

func TestLoadCatalogFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	content := []byte(`
providers:
  - kind: custom
    name: Custom endpoint
    backend: external
    base_url: http://localhost:9999/v1
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if _, err := c.Get("custom"); err != nil {
		t.Errorf("file catalog entry missing: %v", err)
	}
	// A file catalog replaces, not extends, the embedded one.
	if _, err := c.Get("local-large"); err == nil {
		t.Error("embedded entries should not leak into a file catalog")
	}
}

func TestLoadCatalogValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	content := []byte(`
providers:
  - kind: broken
    backend: docker
    base_url: http://localhost:1/v1
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	if _, err := LoadCatalog(path); err == nil {
		t.Error("docker backend without image must fail validation")
	}
}

func TestImageRef(t *testing.T) {
	p := Provider{Docker: DockerSpec{Image: "vllm/vllm-openai", Tag: "v0.8.4"}}
	if got := p.ImageRef(); got != "vllm/vllm-openai:v0.8.4" {
		t.Errorf("ImageRef = %q", got)
	}
	p.Docker.Tag = ""
	if got := p.ImageRef(); got != "vllm/vllm-openai" {
		t.Errorf("ImageRef without tag = %q", got)
	}
}
