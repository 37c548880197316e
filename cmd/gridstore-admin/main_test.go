package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/bleepstore/gridstore/internal/storage"
)

type admin struct {
	t      *testing.T
	config string
	uri    string
}

func newAdmin(t *testing.T) *admin {
	t.Helper()
	dir := t.TempDir()
	return &admin{
		t:      t,
		config: filepath.Join(dir, "missing.yaml"),
		uri:    "file://" + filepath.Join(dir, "data"),
	}
}

func (a *admin) run(stdin string, args ...string) (int, string, string) {
	a.t.Helper()
	full := append([]string{args[0], "-config", a.config, "-uri", a.uri}, args[1:]...)
	var stdout, stderr bytes.Buffer
	rc := run(full, strings.NewReader(stdin), &stdout, &stderr)
	return rc, stdout.String(), stderr.String()
}

func (a *admin) put(body, name string) string {
	a.t.Helper()
	path := filepath.Join(a.t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		a.t.Fatal(err)
	}
	rc, out, errOut := a.run("", "put", "-type", "text/plain", path)
	if rc != 0 {
		a.t.Fatalf("put rc=%d stderr=%s", rc, errOut)
	}
	var res struct {
		FileID string `json:"fileId"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		a.t.Fatalf("decoding put output %q: %v", out, err)
	}
	return res.FileID
}

func TestUsage(t *testing.T) {
	var stderr bytes.Buffer
	if rc := run(nil, nil, &bytes.Buffer{}, &stderr); rc != 1 {
		t.Errorf("rc = %d, want 1", rc)
	}
	if !strings.Contains(stderr.String(), "Usage") {
		t.Errorf("stderr = %q", stderr.String())
	}
	stderr.Reset()
	if rc := run([]string{"frobnicate"}, nil, &bytes.Buffer{}, &stderr); rc != 1 {
		t.Errorf("unknown command rc = %d, want 1", rc)
	}
}

func TestPutGetListDelete(t *testing.T) {
	a := newAdmin(t)
	id := a.put("helloworld", "a.txt")

	rc, out, _ := a.run("", "get", id)
	if rc != 0 || out != "helloworld" {
		t.Fatalf("get rc=%d out=%q", rc, out)
	}

	rc, out, _ = a.run("", "list")
	if rc != 0 {
		t.Fatalf("list rc=%d", rc)
	}
	var list []listEntry
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != id || list[0].Filename != "a.txt" || list[0].Length != 10 {
		t.Errorf("list = %+v", list)
	}

	rc, out, _ = a.run("", "delete", id)
	if rc != 0 || !strings.Contains(out, `"deleted"`) {
		t.Errorf("delete rc=%d out=%s", rc, out)
	}
	rc, out, _ = a.run("", "delete", id)
	if rc != 1 || !strings.Contains(out, `"not_found"`) {
		t.Errorf("second delete rc=%d out=%s", rc, out)
	}
	if rc, _, _ := a.run("", "get", id); rc != 1 {
		t.Errorf("get after delete rc=%d, want 1", rc)
	}
}

func TestGetToFile(t *testing.T) {
	a := newAdmin(t)
	id := a.put("payload", "p.bin")
	dest := filepath.Join(t.TempDir(), "out.bin")

	rc, _, errOut := a.run("", "get", "-o", dest, id)
	if rc != 0 {
		t.Fatalf("get rc=%d stderr=%s", rc, errOut)
	}
	got, err := os.ReadFile(dest)
	if err != nil || string(got) != "payload" {
		t.Errorf("file = %q, %v", got, err)
	}
}

func TestArgumentErrors(t *testing.T) {
	a := newAdmin(t)
	if rc, _, errOut := a.run("", "get"); rc != 1 || !strings.Contains(errOut, "<id>") {
		t.Errorf("get without id rc=%d stderr=%s", rc, errOut)
	}
	if rc, _, _ := a.run("", "delete", "not-an-id"); rc != 1 {
		t.Errorf("delete invalid id rc=%d", rc)
	}
	if rc, _, _ := a.run("", "put", filepath.Join(t.TempDir(), "absent")); rc != 1 {
		t.Errorf("put missing file rc=%d", rc)
	}
}

func TestCheckAndSweep(t *testing.T) {
	a := newAdmin(t)
	rc, out, _ := a.run("", "check")
	if rc != 0 || !strings.Contains(out, `"success": true`) {
		t.Errorf("check rc=%d out=%s", rc, out)
	}
	rc, out, _ = a.run("", "sweep")
	if rc != 0 || !strings.Contains(out, `"swept"`) {
		t.Errorf("sweep rc=%d out=%s", rc, out)
	}
}

func TestCheckWithoutStorage(t *testing.T) {
	a := newAdmin(t)
	a.uri = "bogus://nowhere"
	if rc, _, _ := a.run("", "check"); rc != 1 {
		t.Errorf("check rc=%d, want 1", rc)
	}
}

func TestExportImport(t *testing.T) {
	src := newAdmin(t)
	src.put("one", "1.txt")
	src.put("two", "2.txt")

	rc, archive, errOut := src.run("", "export")
	if rc != 0 {
		t.Fatalf("export rc=%d stderr=%s", rc, errOut)
	}
	if !strings.Contains(errOut, "Exported 2 files") {
		t.Errorf("stderr = %q", errOut)
	}

	dst := newAdmin(t)
	rc, out, errOut := dst.run(archive, "import")
	if rc != 0 {
		t.Fatalf("import rc=%d stderr=%s", rc, errOut)
	}
	var res struct {
		Imported int `json:"imported"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatal(err)
	}
	if res.Imported != 2 {
		t.Errorf("imported = %d, want 2", res.Imported)
	}

	rc, out, _ = dst.run(archive, "import", "-skip-existing")
	if rc != 0 || !strings.Contains(out, `"skipped": 2`) {
		t.Errorf("re-import rc=%d out=%s", rc, out)
	}
}

func TestSweepGrace(t *testing.T) {
	a := newAdmin(t)
	ctx := context.Background()

	// Chunks without a record, as an interrupted or in-flight upload leaves them.
	eng, err := storage.NewLocalEngine(strings.TrimPrefix(a.uri, "file://"), "gridstore", storage.DefaultChunkSize)
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.EnsureCollections(ctx, "fs"); err != nil {
		t.Fatal(err)
	}
	if err := eng.InsertChunk(ctx, "fs", primitive.NewObjectID(), 0, []byte("partial")); err != nil {
		t.Fatal(err)
	}

	rc, out, _ := a.run("", "sweep")
	if rc != 0 || !strings.Contains(out, `"swept": 0`) {
		t.Errorf("sweep within default grace rc=%d out=%s", rc, out)
	}
	rc, out, _ = a.run("", "sweep", "-grace", "0s")
	if rc != 0 || !strings.Contains(out, `"swept": 1`) {
		t.Errorf("sweep -grace 0s rc=%d out=%s", rc, out)
	}
	if rc, _, _ := a.run("", "sweep", "-grace", "-1m"); rc != 1 {
		t.Errorf("negative grace rc=%d, want 1", rc)
	}
}
