package pluginsdk

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDecodeManifestWithSkills(t *testing.T) {
	data := `{
		"id": "report-tools",
		"kind": "skill",
		"name": "Report Tools",
		"version": "1.0.0",
		"skills": [
			{
				"id": "summarize-csv",
				"name": "Summarize CSV",
				"command": "python3 summarize.py",
				"riskLevel": "low",
				"maxExecutionTimeSeconds": 120,
				"parameters": [{"name": "path", "type": "string", "required": true}]
			}
		],
		"configSchema": {"type": "object"}
	}`

	m, err := DecodeManifest([]byte(data))
	if err != nil {
		t.Fatalf("DecodeManifest: %v", err)
	}
	if m.ID != "report-tools" || m.Kind != "skill" {
		t.Errorf("unexpected identity: %q %q", m.ID, m.Kind)
	}
	if len(m.Skills) != 1 {
		t.Fatalf("len(Skills) = %d, want 1", len(m.Skills))
	}
	skill := m.Skills[0]
	if skill.ID != "summarize-csv" || skill.Command != "python3 summarize.py" {
		t.Errorf("unexpected skill: %+v", skill)
	}
	if skill.MaxExecutionTimeSeconds != 120 || skill.RiskLevel != "low" {
		t.Errorf("unexpected bounds: %+v", skill)
	}
	if len(skill.Parameters) == 0 {
		t.Error("parameters not retained")
	}
}

func TestDecodeManifestRejectsBadJSON(t *testing.T) {
	if _, err := DecodeManifest([]byte(`{not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestDecodeManifestFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ManifestFilename)
	content := `{"id": "p1", "configSchema": {"type": "object"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := DecodeManifestFile(path)
	if err != nil {
		t.Fatalf("DecodeManifestFile: %v", err)
	}
	if m.ID != "p1" {
		t.Errorf("ID = %q", m.ID)
	}

	if _, err := DecodeManifestFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestManifestValidate(t *testing.T) {
	cases := []struct {
		name     string
		manifest *Manifest
		wantErr  bool
	}{
		{"nil", nil, true},
		{"missing id", &Manifest{ConfigSchema: []byte(`{}`)}, true},
		{"missing schema", &Manifest{ID: "p"}, true},
		{"valid", &Manifest{ID: "p", ConfigSchema: []byte(`{"type":"object"}`)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.manifest.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestManifestConstants(t *testing.T) {
	if ManifestFilename != "hyperagent.plugin.json" {
		t.Errorf("ManifestFilename = %q", ManifestFilename)
	}
	if LegacyManifestFilename != "hyperstudio.plugin.json" {
		t.Errorf("LegacyManifestFilename = %q", LegacyManifestFilename)
	}
}
