package inspect

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/fly-io/fota-agent/pkg/download"
	"github.com/fly-io/fota-agent/pkg/errors"
	"github.com/fly-io/fota-agent/pkg/firmware"
	"github.com/fly-io/fota-agent/pkg/security"
	"github.com/klauspost/compress/zip"
	"github.com/superfly/fsm"
)

func writePackage(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	defer f.Close()

	w := zip.NewWriter(f)
	for name, body := range files {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatalf("create entry %s: %v", name, err)
		}
		if _, err := fw.Write([]byte(body)); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
}

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	fetcher := download.NewFetcher(download.Config{
		Sources:   map[string]download.Source{"file": download.FileSource{}},
		FreeSpace: func(string) (uint64, error) { return 1 << 40, nil },
	})
	limits := security.Limits{MaxFileSize: 1 << 20, MaxTotalSize: 4 << 20, MaxCompressionRatio: 100}
	return NewMachine(fetcher, firmware.NewArchiveExtractor(limits), filepath.Join(t.TempDir(), "inspect"), 3)
}

// runStates drives the handlers in FSM order until one fails.
func runStates(t *testing.T, m *Machine, req *PackageRequest) (*PackageReport, string, error) {
	t.Helper()
	resp := &PackageReport{}
	r := fsm.NewRequest(req, resp)
	ctx := context.Background()

	steps := []struct {
		state string
		fn    func(context.Context, *fsm.Request[PackageRequest, PackageReport]) (*fsm.Response[PackageReport], error)
	}{
		{StateDownload, m.handleDownload},
		{StateExtract, m.handleExtract},
		{StateVerify, m.handleVerify},
		{StateComplete, m.handleComplete},
	}
	for _, s := range steps {
		if _, err := s.fn(ctx, r); err != nil {
			return resp, s.state, err
		}
	}
	return resp, StateComplete, nil
}

func TestInspect_ValidPackage(t *testing.T) {
	m := newTestMachine(t)
	archive := filepath.Join(t.TempDir(), "fw.zip")
	writePackage(t, archive, map[string]string{
		"fw/fw_upgrade.sh":   "#!/bin/sh\nexit 0\n",
		"fw/check_result.sh": "#!/bin/sh\nexit 0\n",
		"fw/rootfs.img":      "image",
	})

	resp, state, err := runStates(t, m, &PackageRequest{URL: "file://" + archive})
	if err != nil {
		t.Fatalf("state %s failed: %v", state, err)
	}

	if resp.Status != StatusVerified || !resp.Verified {
		t.Errorf("expected verified report, got status=%q verified=%v", resp.Status, resp.Verified)
	}
	if len(resp.SHA256) != 64 {
		t.Errorf("expected sha256 hex digest, got %q", resp.SHA256)
	}

	sort.Strings(resp.Files)
	want := []string{"fw/check_result.sh", "fw/fw_upgrade.sh", "fw/rootfs.img"}
	if len(resp.Files) != len(want) {
		t.Fatalf("expected files %v, got %v", want, resp.Files)
	}
	for i := range want {
		if resp.Files[i] != filepath.FromSlash(want[i]) {
			t.Errorf("file %d: expected %s, got %s", i, want[i], resp.Files[i])
		}
	}

	paths := firmware.DefaultPaths(m.workDir)
	if _, err := os.Stat(paths.Dir); !os.IsNotExist(err) {
		t.Errorf("expected package dir removed, stat err = %v", err)
	}
	if _, err := os.Stat(paths.Archive); !os.IsNotExist(err) {
		t.Errorf("expected archive removed, stat err = %v", err)
	}
}

func TestInspect_KeepLeavesPackage(t *testing.T) {
	m := newTestMachine(t)
	archive := filepath.Join(t.TempDir(), "fw.zip")
	writePackage(t, archive, map[string]string{
		"fw/fw_upgrade.sh":   "#!/bin/sh\n",
		"fw/check_result.sh": "#!/bin/sh\n",
	})

	resp, _, err := runStates(t, m, &PackageRequest{URL: "file://" + archive, Keep: true})
	if err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	if resp.ExtractedPath == "" {
		t.Fatal("expected extracted path to be reported")
	}
	if _, err := os.Stat(filepath.Join(resp.ExtractedPath, "fw", "fw_upgrade.sh")); err != nil {
		t.Errorf("expected upgrade script kept: %v", err)
	}
}

func TestInspect_Failures(t *testing.T) {
	tests := []struct {
		name      string
		files     map[string]string
		url       string
		wantState string
		wantMsg   string
	}{
		{
			name:      "missing check script",
			files:     map[string]string{"fw/fw_upgrade.sh": "#!/bin/sh\n"},
			wantState: StateVerify,
			wantMsg:   "Invalid package or state.",
		},
		{
			name: "checksum mismatch",
			files: map[string]string{
				"fw/fw_upgrade.sh":   "#!/bin/sh\n",
				"fw/check_result.sh": "#!/bin/sh\n",
				"fw/rootfs.img":      "image",
				"fw/rootfs.img.md5":  "00000000000000000000000000000000  rootfs.img\n",
			},
			wantState: StateVerify,
			wantMsg:   "Invalid package or state.",
		},
		{
			name:      "path traversal",
			files:     map[string]string{"../evil.sh": "#!/bin/sh\n"},
			wantState: StateExtract,
			wantMsg:   "Failed to extract package.",
		},
		{
			name:      "unsupported scheme",
			url:       "ftp://example.com/fw.zip",
			wantState: StateDownload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMachine(t)
			url := tt.url
			if url == "" {
				archive := filepath.Join(t.TempDir(), "fw.zip")
				writePackage(t, archive, tt.files)
				url = "file://" + archive
			}

			resp, state, err := runStates(t, m, &PackageRequest{URL: url})
			if err == nil {
				t.Fatal("expected inspect to fail")
			}
			if state != tt.wantState {
				t.Errorf("expected failure in %s, got %s", tt.wantState, state)
			}
			if resp.Status == StatusVerified {
				t.Error("failed report must not be verified")
			}
			if tt.wantMsg != "" && resp.ErrorMessage != tt.wantMsg {
				t.Errorf("expected message %q, got %q", tt.wantMsg, resp.ErrorMessage)
			}
		})
	}
}

func TestInspect_MissingFileRetries(t *testing.T) {
	m := newTestMachine(t)
	resp := &PackageReport{}
	req := &PackageRequest{URL: "file://" + filepath.Join(t.TempDir(), "absent.zip")}

	_, err := m.handleDownload(context.Background(), fsm.NewRequest(req, resp))
	if err == nil {
		t.Fatal("expected download error")
	}
	if errors.CodeOf(err) == errors.InvalidArgument {
		t.Errorf("missing file should be retryable, got %v", err)
	}
	if resp.ErrorMessage != "" {
		t.Errorf("retryable failure should not be recorded, got %q", resp.ErrorMessage)
	}
}
