package firmware

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fly-io/fota-agent/pkg/errors"
	"github.com/fly-io/fota-agent/pkg/loop"
	"github.com/fly-io/fota-agent/pkg/security"
	"github.com/fly-io/fota-agent/pkg/shell"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLimits = security.Limits{MaxFileSize: 1 << 20, MaxTotalSize: 4 << 20, MaxCompressionRatio: 100}

type entry struct {
	name string
	body string
	mode os.FileMode
}

func writeZip(t *testing.T, path string, entries []entry) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	for _, e := range entries {
		h := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		mode := e.mode
		if mode == 0 {
			mode = 0755
		}
		h.SetMode(mode)
		fw, err := w.CreateHeader(h)
		require.NoError(t, err)
		_, err = fw.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func goodPackage(upgrade, check string) []entry {
	return []entry{
		{name: "fw/fw_upgrade.sh", body: "#!/bin/sh\n" + upgrade},
		{name: "fw/check_result.sh", body: "#!/bin/sh\n" + check},
	}
}

func newTestPackage(t *testing.T, l *loop.Loop) *Package {
	t.Helper()
	return New(Config{
		Paths:     DefaultPaths(t.TempDir()),
		Extractor: NewArchiveExtractor(testLimits),
		Runner:    shell.NewExecRunner(),
		Loop:      l,
	})
}

func runOne(t *testing.T, l *loop.Loop) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, l.RunOne(ctx))
}

func extract(t *testing.T, l *loop.Loop, p *Package) error {
	t.Helper()
	var got error
	called := 0
	require.NoError(t, p.Extract(context.Background(), func(err error) {
		called++
		got = err
	}))
	assert.Equal(t, Extracting, p.State())
	runOne(t, l)
	require.Equal(t, 1, called)
	return got
}

func TestPackage_ExtractVerifyInvokeCheck(t *testing.T) {
	l := loop.New()
	p := newTestPackage(t, l)
	writeZip(t, p.Paths().Archive, goodPackage("exit 0\n", "echo fine\n"))

	require.NoError(t, extract(t, l, p))
	assert.Equal(t, Extracted, p.State())
	assert.True(t, p.Verify())

	require.NoError(t, p.InvokeUpdate(context.Background()))

	var checkErr error
	require.NoError(t, p.CheckResult(context.Background(), func(err error) { checkErr = err }))
	assert.Equal(t, Checking, p.State())
	runOne(t, l)
	assert.NoError(t, checkErr)
	assert.Equal(t, Dormant, p.State())
}

func TestPackage_ExtractWhileInFlight(t *testing.T) {
	l := loop.New()
	p := newTestPackage(t, l)
	writeZip(t, p.Paths().Archive, goodPackage("exit 0\n", "exit 0\n"))

	require.NoError(t, p.Extract(context.Background(), func(error) {}))
	err := p.Extract(context.Background(), func(error) {})
	assert.Equal(t, errors.InvalidState, errors.CodeOf(err))

	err = p.InvokeUpdate(context.Background())
	assert.Equal(t, errors.InvalidState, errors.CodeOf(err))

	runOne(t, l)
	assert.Equal(t, Extracted, p.State())
}

func TestPackage_ExtractRemovesStaleDir(t *testing.T) {
	l := loop.New()
	p := newTestPackage(t, l)
	writeZip(t, p.Paths().Archive, goodPackage("exit 0\n", "exit 0\n"))

	stale := filepath.Join(p.Paths().Dir, "stale", "leftover")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0644))

	require.NoError(t, extract(t, l, p))
	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestPackage_ExtractFailure(t *testing.T) {
	l := loop.New()
	p := newTestPackage(t, l)
	require.NoError(t, os.WriteFile(p.Paths().Archive, []byte("PK\x03\x04 not really a zip"), 0644))

	err := extract(t, l, p)
	require.Error(t, err)
	assert.Equal(t, errors.Generic, errors.CodeOf(err))
	assert.Equal(t, ExtractFailed, p.State())
}

func TestPackage_ExtractRejectsTraversal(t *testing.T) {
	l := loop.New()
	p := newTestPackage(t, l)
	writeZip(t, p.Paths().Archive, []entry{{name: "../../evil.sh", body: "rm -rf /"}})

	err := extract(t, l, p)
	require.Error(t, err)
	assert.Equal(t, ExtractFailed, p.State())
}

func TestPackage_ExtractRejectsChainedSymlinks(t *testing.T) {
	l := loop.New()
	p := newTestPackage(t, l)
	writeZip(t, p.Paths().Archive, []entry{
		{name: "a", body: ".", mode: os.ModeSymlink | 0777},
		{name: "a/b", body: "..", mode: os.ModeSymlink | 0777},
		{name: "a/b/escaped", body: "outside"},
	})

	err := extract(t, l, p)
	require.Error(t, err)
	assert.Equal(t, ExtractFailed, p.State())

	workDir := filepath.Dir(p.Paths().Dir)
	assert.NoFileExists(t, filepath.Join(workDir, "escaped"))
	_, err = os.Lstat(filepath.Join(p.Paths().Dir, "b"))
	assert.True(t, os.IsNotExist(err), "second link must not be created")
}

func TestPackage_VerifyMissingScript(t *testing.T) {
	l := loop.New()
	p := newTestPackage(t, l)
	writeZip(t, p.Paths().Archive, []entry{{name: "fw/fw_upgrade.sh", body: "exit 0\n"}})

	require.NoError(t, extract(t, l, p))
	assert.False(t, p.Verify())
}

func TestPackage_VerifyScriptIsDirectory(t *testing.T) {
	l := loop.New()
	p := newTestPackage(t, l)
	require.NoError(t, os.MkdirAll(p.Paths().CheckScript, 0755))
	require.NoError(t, os.WriteFile(p.Paths().UpgradeScript, []byte("exit 0\n"), 0755))

	assert.False(t, p.Verify())
}

func TestPackage_VerifyChecksums(t *testing.T) {
	image := "kernel image bytes"
	sum := md5.Sum([]byte(image))
	digest := hex.EncodeToString(sum[:])

	tests := []struct {
		name    string
		sidecar string
		want    bool
	}{
		{"matching digest", digest + "  1.2_linux.bin.gz\n", true},
		{"digest only", digest + "\n", true},
		{"mismatch", "00000000000000000000000000000000  1.2_linux.bin.gz\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := loop.New()
			p := newTestPackage(t, l)
			entries := append(goodPackage("exit 0\n", "exit 0\n"),
				entry{name: "fw/1.2_linux.bin.gz", body: image, mode: 0644},
				entry{name: "fw/1.2_linux.bin.gz.md5", body: tt.sidecar, mode: 0644},
			)
			writeZip(t, p.Paths().Archive, entries)

			require.NoError(t, extract(t, l, p))
			assert.Equal(t, tt.want, p.Verify())
		})
	}
}

func TestPackage_InvokeUpdateFailure(t *testing.T) {
	l := loop.New()
	p := newTestPackage(t, l)
	writeZip(t, p.Paths().Archive, goodPackage("echo 'no space on rootfs'\nexit 1\n", "exit 0\n"))
	require.NoError(t, extract(t, l, p))

	err := p.InvokeUpdate(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.Generic, errors.CodeOf(err))
	assert.Equal(t, "no space on rootfs", errors.Info(err))
	assert.Equal(t, Extracted, p.State())
}

func TestPackage_CheckResultFailure(t *testing.T) {
	l := loop.New()
	p := newTestPackage(t, l)
	writeZip(t, p.Paths().Archive, goodPackage("exit 0\n", "exit 2\n"))
	require.NoError(t, extract(t, l, p))

	var checkErr error
	require.NoError(t, p.CheckResult(context.Background(), func(err error) { checkErr = err }))
	runOne(t, l)
	require.Error(t, checkErr)
	assert.Equal(t, "Update check failed.", errors.Info(checkErr))
	assert.Equal(t, Dormant, p.State())
}

func TestPackage_RemovePackage(t *testing.T) {
	l := loop.New()
	p := newTestPackage(t, l)
	writeZip(t, p.Paths().Archive, goodPackage("exit 0\n", "exit 0\n"))
	require.NoError(t, extract(t, l, p))

	p.RemovePackage()
	_, err := os.Stat(p.Paths().Dir)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(p.Paths().Archive)
	assert.True(t, os.IsNotExist(err))

	// Second removal of missing files is silent.
	p.RemovePackage()
}

func TestPackage_Unpack(t *testing.T) {
	p := newTestPackage(t, loop.New())
	writeZip(t, p.Paths().Archive, goodPackage("exit 0\n", "exit 0\n"))

	require.NoError(t, p.Unpack(context.Background()))
	assert.Equal(t, Extracted, p.State())
	assert.True(t, p.Verify())
}

type recordingRunner struct {
	dir  string
	name string
	args []string
	res  shell.Result
	err  error
}

func (r *recordingRunner) Run(ctx context.Context, dir, name string, args ...string) (shell.Result, error) {
	r.dir, r.name, r.args = dir, name, args
	return r.res, r.err
}

func TestCommandExtractor(t *testing.T) {
	runner := &recordingRunner{}
	e := NewCommandExtractor(runner, "")

	require.NoError(t, e.Extract(context.Background(), "/data/fota/fwpackage.bin", "/data/fota/fwpackage"))
	assert.Equal(t, "unzip", runner.name)
	assert.Equal(t, "/data/fota", runner.dir)
	assert.Equal(t, []string{"/data/fota/fwpackage.bin", "-d", "/data/fota/fwpackage", "-o"}, runner.args)

	runner.err = os.ErrPermission
	runner.res = shell.Result{ExitCode: 9, Line: "unzip: cannot find zipfile directory"}
	err := e.Extract(context.Background(), "/data/fota/fwpackage.bin", "/data/fota/fwpackage")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot find zipfile directory")
}
