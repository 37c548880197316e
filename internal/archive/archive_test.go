package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/bleepstore/gridstore/internal/blobstore"
	"github.com/bleepstore/gridstore/internal/storage"
)

type engineConnector struct{ eng storage.Engine }

func (c engineConnector) Acquire(ctx context.Context) (storage.Engine, error) {
	return c.eng, nil
}

func newService(t *testing.T, bucket string) *blobstore.Service {
	t.Helper()
	eng := storage.NewMemoryEngine("gridstore", 4)
	return blobstore.NewService(engineConnector{eng: eng}, blobstore.Options{
		Bucket:    bucket,
		ChunkSize: 4,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func seed(t *testing.T, svc *blobstore.Service, files map[string]string) map[string]string {
	t.Helper()
	ids := make(map[string]string, len(files))
	for name, body := range files {
		id, err := svc.Upload(context.Background(), []byte(body), name, "text/plain")
		if err != nil {
			t.Fatalf("Upload %s: %v", name, err)
		}
		ids[name] = id.Hex()
	}
	return ids
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newService(t, "fs")
	srcIDs := seed(t, src, map[string]string{
		"a.txt":     "helloworld",
		"empty.txt": "",
		"b.txt":     "abc",
	})

	var buf bytes.Buffer
	n, err := Export(ctx, src, &buf, ExportOptions{Engine: "memory"})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if n != 3 {
		t.Errorf("exported = %d, want 3", n)
	}

	line, _, _ := strings.Cut(buf.String(), "\n")
	hdr, err := ReadHeader([]byte(line))
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if hdr.Count != 3 || hdr.Bucket != "fs" || hdr.Engine != "memory" {
		t.Errorf("header = %+v", hdr)
	}

	dst := newService(t, "backup")
	res, err := Import(ctx, dst, &buf, ImportOptions{})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Imported != 3 || res.Skipped != 0 {
		t.Fatalf("result = %+v", res)
	}

	for name, oldID := range srcIDs {
		newID, ok := res.IDs[oldID]
		if !ok {
			t.Fatalf("no mapping for %s", name)
		}
		f, err := dst.GetFile(ctx, newID)
		if err != nil || f == nil {
			t.Fatalf("GetFile %s: %v %v", name, f, err)
		}
		orig, _ := src.GetFile(ctx, oldID)
		if !bytes.Equal(f.Data, orig.Data) {
			t.Errorf("%s data = %q, want %q", name, f.Data, orig.Data)
		}
		if f.Record.Filename != name {
			t.Errorf("filename = %q, want %q", f.Record.Filename, name)
		}
		if f.Record.Metadata.ContentType != "text/plain" {
			t.Errorf("content type = %q", f.Record.Metadata.ContentType)
		}
	}
}

func TestExportSelectedIDs(t *testing.T) {
	ctx := context.Background()
	src := newService(t, "fs")
	ids := seed(t, src, map[string]string{"a.txt": "one", "b.txt": "two"})

	var buf bytes.Buffer
	n, err := Export(ctx, src, &buf, ExportOptions{IDs: []string{ids["b.txt"]}})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if n != 1 {
		t.Fatalf("exported = %d, want 1", n)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	var e Entry
	if err := json.Unmarshal([]byte(lines[1]), &e); err != nil {
		t.Fatal(err)
	}
	if e.ID != ids["b.txt"] || string(e.Data) != "two" {
		t.Errorf("entry = %+v", e)
	}
}

func TestImportSkipExisting(t *testing.T) {
	ctx := context.Background()
	src := newService(t, "fs")
	seed(t, src, map[string]string{"a.txt": "same", "b.txt": "new"})

	var buf bytes.Buffer
	if _, err := Export(ctx, src, &buf, ExportOptions{}); err != nil {
		t.Fatal(err)
	}

	dst := newService(t, "fs")
	seed(t, dst, map[string]string{"a.txt": "same"})
	res, err := Import(ctx, dst, &buf, ImportOptions{SkipExisting: true})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Imported != 1 || res.Skipped != 1 {
		t.Errorf("result = %+v, want 1 imported 1 skipped", res)
	}
	recs, _ := dst.ListFiles(ctx)
	if len(recs) != 2 {
		t.Errorf("target has %d files, want 2", len(recs))
	}
}

func TestImportWarnings(t *testing.T) {
	good, _ := json.Marshal(Entry{ID: "g", Filename: "g.txt", Data: []byte("ok"), SHA256: digest([]byte("ok"))})
	bad, _ := json.Marshal(Entry{ID: "b", Filename: "b.txt", Data: []byte("tampered"), SHA256: digest([]byte("orig"))})
	archive := `{"gridstore_export":{"version":1,"bucket":"fs"}}` + "\n" +
		string(good) + "\n" + string(bad) + "\n" + "not json\n"

	dst := newService(t, "fs")
	res, err := Import(context.Background(), dst, strings.NewReader(archive), ImportOptions{})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Imported != 1 || res.Skipped != 2 {
		t.Errorf("result = %+v", res)
	}
	if len(res.Warnings) != 2 {
		t.Errorf("warnings = %v", res.Warnings)
	}
}

func TestImportRejectsBadHeader(t *testing.T) {
	cases := map[string]string{
		"empty":       "",
		"not archive": `{"other":1}` + "\n",
		"version":     `{"gridstore_export":{"version":99}}` + "\n",
		"garbage":     "xyz\n",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Import(context.Background(), newService(t, "fs"), strings.NewReader(input), ImportOptions{})
			if err == nil {
				t.Error("expected error")
			}
		})
	}
}
