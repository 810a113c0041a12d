package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/tfkr-ae/rotor"
	"github.com/tfkr-ae/rotor/domain"
	"github.com/tfkr-ae/rotor/filestore"
)

func run(t *testing.T, configDir string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config-dir", configDir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
}

func testSnapshot() *domain.Snapshot {
	return &domain.Snapshot{
		Enabled:              true,
		PreserveOriginalHost: true,
		Domains: []domain.DomainRoutes{
			{
				Domain:   "app.example.com",
				Strategy: domain.WeightedRandom,
				Endpoints: []domain.Endpoint{
					{URL: "https://a1b2c3.execute-api.us-east-1.amazonaws.com/v1", Region: "us-east-1", Weight: 40},
					{URL: "https://d4e5f6.execute-api.eu-west-1.amazonaws.com/v1", Region: "eu-west-1", Weight: 100},
				},
			},
			{
				Domain:    "api.example.com",
				Strategy:  domain.Sequential,
				Endpoints: []domain.Endpoint{},
			},
		},
	}
}

func TestExportImport(t *testing.T) {
	for _, persistence := range []string{rotor.PersistenceSQLite, rotor.PersistenceYAML} {
		t.Run("should round trip the registry with "+persistence+" persistence", func(t *testing.T) {
			configDir := t.TempDir()
			writeConfig(t, configDir, "persistence: "+persistence+"\n")

			importPath := filepath.Join(t.TempDir(), "routes.yaml")
			f, err := os.Create(importPath)
			if err != nil {
				t.Fatalf("creating import file: %v", err)
			}
			if err := filestore.Encode(f, testSnapshot()); err != nil {
				t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
			}
			f.Close()

			out, err := run(t, configDir, "import", importPath)
			if err != nil {
				t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
			}
			if want := "imported 2 domains with 2 endpoints\n"; out != want {
				t.Fatalf("\nwanted:\n%q\ngot:\n%q", want, out)
			}

			out, err = run(t, configDir, "export")
			if err != nil {
				t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
			}
			got, err := filestore.Decode(strings.NewReader(out))
			if err != nil {
				t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
			}
			if want := testSnapshot(); !reflect.DeepEqual(want, got) {
				t.Fatalf("\nwanted:\n%+v\ngot:\n%+v", want, got)
			}
		})
	}

	t.Run("should export to a file", func(t *testing.T) {
		configDir := t.TempDir()
		exportPath := filepath.Join(t.TempDir(), "export.yaml")

		if _, err := run(t, configDir, "export", exportPath); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		f, err := os.Open(exportPath)
		if err != nil {
			t.Fatalf("\nwanted:\nexport file\ngot:\n%v", err)
		}
		defer f.Close()
		got, err := filestore.Decode(f)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if got.Enabled || len(got.Domains) != 0 {
			t.Fatalf("\nwanted:\nempty snapshot\ngot:\n%+v", got)
		}
	})

	t.Run("should fail to import a missing file", func(t *testing.T) {
		_, err := run(t, t.TempDir(), "import", filepath.Join(t.TempDir(), "missing.yaml"))
		if !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", os.ErrNotExist, err)
		}
	})

	t.Run("should fail to import a malformed file", func(t *testing.T) {
		importPath := filepath.Join(t.TempDir(), "routes.yaml")
		if err := os.WriteFile(importPath, []byte("domains: [\n"), 0o600); err != nil {
			t.Fatalf("writing import file: %v", err)
		}

		if _, err := run(t, t.TempDir(), "import", importPath); err == nil {
			t.Fatalf("\nwanted:\nerror\ngot:\nnil")
		}
	})
}

func TestRegions(t *testing.T) {
	t.Run("should list, add and remove regions", func(t *testing.T) {
		configDir := t.TempDir()
		writeConfig(t, configDir, "regions:\n  - us-east-1\n")

		if _, err := run(t, configDir, "regions", "add", "EU-West-1", "us-east-1"); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		out, err := run(t, configDir, "regions")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if want := "us-east-1\neu-west-1\n"; out != want {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", want, out)
		}

		if _, err := run(t, configDir, "regions", "remove", "us-east-1"); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		out, err = run(t, configDir, "regions")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if want := "eu-west-1\n"; out != want {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", want, out)
		}
	})

	t.Run("should reject an invalid region", func(t *testing.T) {
		_, err := run(t, t.TempDir(), "regions", "add", "mars")
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrValidation, err)
		}
	})
}

func TestStageCheck(t *testing.T) {
	t.Run("should accept a usable stage", func(t *testing.T) {
		out, err := run(t, t.TempDir(), "stage", "check", " v2 ")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if want := "v2 is usable\n"; out != want {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", want, out)
		}
	})

	t.Run("should reject a denied stage ignoring case", func(t *testing.T) {
		_, err := run(t, t.TempDir(), "stage", "check", "Proxy")
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrValidation, err)
		}
	})

	t.Run("should use the configured deny list", func(t *testing.T) {
		configDir := t.TempDir()
		writeConfig(t, configDir, "stage_deny_list:\n  - internal\n")

		if _, err := run(t, configDir, "stage", "check", "proxy"); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if _, err := run(t, configDir, "stage", "check", "internal"); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrValidation, err)
		}
	})
}

func TestConfigDir(t *testing.T) {
	t.Run("should fail on an invalid configuration", func(t *testing.T) {
		configDir := t.TempDir()
		writeConfig(t, configDir, "persistence: postgres\n")

		_, err := run(t, configDir, "regions")
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrValidation, err)
		}
	})
}
