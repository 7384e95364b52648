package artifact

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/oneee-playground/r2d2-agent/internal/job"
	"github.com/oneee-playground/r2d2-agent/internal/workspace"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

// fakeContainer serves files from an in-memory tree keyed by absolute
// container path, producing the same archive layout as `docker cp`.
type fakeContainer struct {
	files map[string]string
	calls atomic.Int32
}

func (c *fakeContainer) CopyFrom(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error) {
	c.calls.Add(1)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	base := path.Base(srcPath)

	if content, ok := c.files[srcPath]; ok {
		writeTarFile(tw, base, content)
		tw.Close()
		return io.NopCloser(&buf), nil
	}

	prefix := strings.TrimSuffix(srcPath, "/") + "/"
	var names []string
	for name := range c.files {
		if strings.HasPrefix(name, prefix) {
			names = append(names, strings.TrimPrefix(name, prefix))
		}
	}
	if len(names) == 0 {
		return nil, &job.ErrNotFound{Type: "path", Value: srcPath}
	}
	sort.Strings(names)

	dirs := map[string]bool{base: true}
	tw.WriteHeader(&tar.Header{Name: base + "/", Typeflag: tar.TypeDir, Mode: 0755})
	for _, name := range names {
		for dir := path.Dir(name); dir != "."; dir = path.Dir(dir) {
			full := path.Join(base, dir)
			if !dirs[full] {
				dirs[full] = true
				tw.WriteHeader(&tar.Header{Name: full + "/", Typeflag: tar.TypeDir, Mode: 0755})
			}
		}
		writeTarFile(tw, path.Join(base, name), c.files[prefix+name])
	}
	tw.Close()

	return io.NopCloser(&buf), nil
}

func writeTarFile(tw *tar.Writer, name, content string) {
	tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(content))})
	tw.Write([]byte(content))
}

type TransferSuite struct {
	suite.Suite

	ws        *workspace.FSWorkspace
	container *fakeContainer
	transfer  *Transfer
}

func TestTransferSuite(t *testing.T) {
	suite.Run(t, new(TransferSuite))
}

func (s *TransferSuite) SetupTest() {
	ws, err := workspace.NewFSWorkspace(s.T().TempDir())
	s.Require().NoError(err)
	s.ws = ws

	s.container = &fakeContainer{files: map[string]string{
		"/app/summary.json":          `{"ok":true}`,
		"/app/reports/a.csv":         "a",
		"/app/reports/b.csv":         "b",
		"/app/reports/nested/c.json": "c",
	}}

	s.transfer = New(Opts{Log: zap.NewNop(), Staging: ws, Containers: s.container})
}

func (s *TransferSuite) localJob() job.Job {
	dir, err := s.ws.Provision(1)
	s.Require().NoError(err)

	s.writeFile(filepath.Join(dir, "summary.json"), `{"ok":true}`)
	s.writeFile(filepath.Join(dir, "reports", "a.csv"), "a")
	s.writeFile(filepath.Join(dir, "reports", "b.csv"), "b")
	s.writeFile(filepath.Join(dir, "reports", "notes.txt"), "notes")
	s.writeFile(filepath.Join(dir, "publish", "app.dll"), "binary")
	s.writeFile(filepath.Join(dir, "publish", "runtimes", "lib.so"), "native")

	return job.Job{ID: 1, BasePath: dir, PublishPath: "publish"}
}

func (s *TransferSuite) dockerJob() job.Job {
	return job.Job{
		ID:          2,
		ContainerID: "c0ffee",
		Source:      job.Source{DockerImageName: "bench", DockerFetchPath: "/app"},
	}
}

func (s *TransferSuite) writeFile(p, content string) {
	s.Require().NoError(os.MkdirAll(filepath.Dir(p), 0755))
	s.Require().NoError(os.WriteFile(p, []byte(content), 0644))
}

func (s *TransferSuite) readAll(f *File) string {
	defer f.Close()
	b, err := io.ReadAll(f)
	s.Require().NoError(err)
	return string(b)
}

func (s *TransferSuite) stagedEntries(jobID int) []os.DirEntry {
	entries, err := os.ReadDir(filepath.Join(s.ws.Root(), "staging", strconv.Itoa(jobID)))
	if os.IsNotExist(err) {
		return nil
	}
	s.Require().NoError(err)
	return entries
}

func (s *TransferSuite) TestReceive() {
	name, err := s.transfer.Receive(context.Background(), 1, strings.NewReader("payload"), false)
	s.Require().NoError(err)

	b, err := os.ReadFile(name)
	s.Require().NoError(err)
	s.Equal("payload", string(b))
	s.Equal(filepath.Join(s.ws.Root(), "staging", "1"), filepath.Dir(name))
}

func (s *TransferSuite) TestReceiveGzip() {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write([]byte("compressed payload"))
	gz.Close()

	name, err := s.transfer.Receive(context.Background(), 1, &buf, true)
	s.Require().NoError(err)

	b, err := os.ReadFile(name)
	s.Require().NoError(err)
	s.Equal("compressed payload", string(b))
}

func (s *TransferSuite) TestReceiveRemovesPartialFile() {
	_, err := s.transfer.Receive(context.Background(), 1, strings.NewReader("not gzip"), true)

	var invalid *job.ErrInvalidArgument
	s.True(errors.As(err, &invalid), "got %v", err)
	s.Empty(s.stagedEntries(1))
}

func (s *TransferSuite) TestReceiveCanceled() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.transfer.Receive(ctx, 1, strings.NewReader("payload"), false)
	s.ErrorIs(err, context.Canceled)
	s.Empty(s.stagedEntries(1))
}

func zipArchive(entries map[string]string) *bytes.Buffer {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, _ := zw.Create(name)
		w.Write([]byte(entries[name]))
	}
	zw.Close()
	return &buf
}

func (s *TransferSuite) TestReceiveZip() {
	body := zipArchive(map[string]string{
		"a.txt":     "first",
		"sub/b.txt": "second",
	})

	var registered []job.Attachment
	err := s.transfer.ReceiveZip(context.Background(), 1, body, false, "app", func(a []job.Attachment) error {
		registered = a
		return nil
	})
	s.Require().NoError(err)

	s.Require().Len(registered, 2)
	s.Equal("app/a.txt", registered[0].Filename)
	s.Equal("app/sub/b.txt", registered[1].Filename)

	b, err := os.ReadFile(registered[1].TempFilename)
	s.Require().NoError(err)
	s.Equal("second", string(b))

	// Only the staged attachments remain; the archive and expansion
	// directory are gone.
	s.Len(s.stagedEntries(1), 2)
}

func (s *TransferSuite) TestReceiveZipRejectsSlip() {
	body := zipArchive(map[string]string{
		"ok.txt":       "fine",
		"../evil.txt":  "escape",
		"zz/after.txt": "never",
	})

	called := false
	err := s.transfer.ReceiveZip(context.Background(), 1, body, false, "", func([]job.Attachment) error {
		called = true
		return nil
	})

	var (
		escape  *ErrPathEscape
		invalid *job.ErrInvalidArgument
	)
	s.True(errors.As(err, &escape) || errors.As(err, &invalid), "got %v", err)
	s.False(called)
	s.Empty(s.stagedEntries(1))

	_, err = os.Stat(filepath.Join(s.ws.Root(), "staging", "evil.txt"))
	s.True(os.IsNotExist(err))
}

func (s *TransferSuite) TestReceiveZipRejectsDestination() {
	err := s.transfer.ReceiveZip(context.Background(), 1, zipArchive(nil), false, "../out", func([]job.Attachment) error {
		s.Fail("register must not be called")
		return nil
	})

	var escape *ErrPathEscape
	s.True(errors.As(err, &escape), "got %v", err)
}

func (s *TransferSuite) TestReceiveZipDiscardsOnRegisterFailure() {
	body := zipArchive(map[string]string{"a.txt": "first"})

	err := s.transfer.ReceiveZip(context.Background(), 1, body, false, "", func([]job.Attachment) error {
		return &job.ErrInvalidState{ID: 1, State: job.StateStopped, Operation: "upload"}
	})

	var invalid *job.ErrInvalidState
	s.True(errors.As(err, &invalid), "got %v", err)
	s.Empty(s.stagedEntries(1))
}

func (s *TransferSuite) TestDownloadLocal() {
	j := s.localJob()

	f, err := s.transfer.Download(context.Background(), j, "reports/a.csv")
	s.Require().NoError(err)
	s.Equal("a.csv", f.Name)
	s.Equal("a", s.readAll(f))

	f, err = s.transfer.Download(context.Background(), j, `reports\b.csv`)
	s.Require().NoError(err)
	s.Equal("b", s.readAll(f))
}

func (s *TransferSuite) TestDownloadLocalErrors() {
	j := s.localJob()

	_, err := s.transfer.Download(context.Background(), j, "missing.txt")
	var notFound *job.ErrNotFound
	s.True(errors.As(err, &notFound), "got %v", err)

	_, err = s.transfer.Download(context.Background(), j, "reports")
	var invalid *job.ErrInvalidArgument
	s.True(errors.As(err, &invalid), "got %v", err)

	_, err = s.transfer.Download(context.Background(), job.Job{ID: 3}, "summary.json")
	s.True(errors.As(err, &notFound), "got %v", err)
}

func (s *TransferSuite) TestDownloadRejectsEscapes() {
	secret := filepath.Join(s.ws.Root(), "secret.txt")
	s.writeFile(secret, "secret")

	local := s.localJob()
	docker := s.dockerJob()

	for _, p := range escapingPaths {
		_, err := s.transfer.Download(context.Background(), local, p)
		var escape *ErrPathEscape
		s.True(errors.As(err, &escape), "%s: got %v", p, err)

		_, err = s.transfer.Download(context.Background(), docker, p)
		s.True(errors.As(err, &escape), "%s: got %v", p, err)
	}

	s.Zero(s.container.calls.Load(), "escaping paths must not reach the container")
}

func (s *TransferSuite) TestDownloadRejectsSymlinkEscape() {
	outside := filepath.Join(s.ws.Root(), "outside.txt")
	s.writeFile(outside, "outside")

	j := s.localJob()
	if err := os.Symlink(outside, filepath.Join(j.BasePath, "link.txt")); err != nil {
		s.T().Skipf("symlinks unavailable: %v", err)
	}

	_, err := s.transfer.Download(context.Background(), j, "link.txt")
	var escape *ErrPathEscape
	s.True(errors.As(err, &escape), "got %v", err)
}

func (s *TransferSuite) TestDownloadDocker() {
	j := s.dockerJob()

	f, err := s.transfer.Download(context.Background(), j, "reports/nested/c.json")
	s.Require().NoError(err)
	s.Equal("c.json", f.Name)
	s.Equal("c", s.readAll(f))

	_, err = s.transfer.Download(context.Background(), j, "missing.txt")
	var notFound *job.ErrNotFound
	s.True(errors.As(err, &notFound), "got %v", err)

	// Download directories are released once the file is closed.
	s.Empty(s.stagedEntries(2))
}

func (s *TransferSuite) TestDownloadDockerWithoutContainer() {
	j := s.dockerJob()
	j.ContainerID = ""

	_, err := s.transfer.Download(context.Background(), j, "summary.json")
	var notFound *job.ErrNotFound
	s.True(errors.As(err, &notFound), "got %v", err)
	s.Zero(s.container.calls.Load())
}

func (s *TransferSuite) TestList() {
	local := s.localJob()
	docker := s.dockerJob()

	testcases := []struct {
		desc   string
		job    job.Job
		rel    string
		expect []string
	}{
		{desc: "local directory", job: local, rel: "reports", expect: []string{"reports/a.csv", "reports/b.csv", "reports/notes.txt"}},
		{desc: "local glob", job: local, rel: "reports/*.csv", expect: []string{"reports/a.csv", "reports/b.csv"}},
		{desc: "local root", job: local, rel: "", expect: []string{"publish", "reports", "summary.json"}},
		{desc: "local no match", job: local, rel: "reports/*.xml", expect: []string{}},
		{desc: "docker directory", job: docker, rel: "reports", expect: []string{"reports/a.csv", "reports/b.csv", "reports/nested"}},
		{desc: "docker glob", job: docker, rel: `reports\*.json`, expect: []string{}},
		{desc: "docker nested glob", job: docker, rel: "reports/nested/*.json", expect: []string{"reports/nested/c.json"}},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			names, err := s.transfer.List(context.Background(), tc.job, tc.rel)
			s.Require().NoError(err)
			s.Equal(tc.expect, names)
		})
	}
}

func (s *TransferSuite) TestListErrors() {
	local := s.localJob()

	_, err := s.transfer.List(context.Background(), local, "nothing")
	var notFound *job.ErrNotFound
	s.True(errors.As(err, &notFound), "got %v", err)

	_, err = s.transfer.List(context.Background(), local, "../*")
	var escape *ErrPathEscape
	s.True(errors.As(err, &escape), "got %v", err)

	_, err = s.transfer.List(context.Background(), local, "reports/[*")
	var invalid *job.ErrInvalidArgument
	s.True(errors.As(err, &invalid), "got %v", err)

	_, err = s.transfer.List(context.Background(), s.dockerJob(), "summary.json")
	s.True(errors.As(err, &invalid), "got %v", err)
}

func (s *TransferSuite) zipNames(f *File) map[string]string {
	defer f.Close()

	size, err := f.Size()
	s.Require().NoError(err)

	zr, err := zip.NewReader(f, size)
	s.Require().NoError(err)

	out := make(map[string]string)
	for _, entry := range zr.File {
		rc, err := entry.Open()
		s.Require().NoError(err)
		b, err := io.ReadAll(rc)
		rc.Close()
		s.Require().NoError(err)
		out[entry.Name] = string(b)
	}
	return out
}

func (s *TransferSuite) TestFetchLocal() {
	f, err := s.transfer.Fetch(context.Background(), s.localJob())
	s.Require().NoError(err)

	bundle := f.File.Name()
	s.Equal(map[string]string{
		"app.dll":         "binary",
		"runtimes/lib.so": "native",
	}, s.zipNames(f))

	_, err = os.Stat(bundle)
	s.True(os.IsNotExist(err), "bundle must be removed on close")
}

func (s *TransferSuite) TestFetchDocker() {
	f, err := s.transfer.Fetch(context.Background(), s.dockerJob())
	s.Require().NoError(err)

	s.Equal(map[string]string{
		"summary.json":          `{"ok":true}`,
		"reports/a.csv":         "a",
		"reports/b.csv":         "b",
		"reports/nested/c.json": "c",
	}, s.zipNames(f))
}

func (s *TransferSuite) TestFetchMissingPublishDir() {
	j := s.localJob()
	j.PublishPath = "bin"

	_, err := s.transfer.Fetch(context.Background(), j)
	var notFound *job.ErrNotFound
	s.True(errors.As(err, &notFound), "got %v", err)

	j.PublishPath = "../.."
	_, err = s.transfer.Fetch(context.Background(), j)
	var escape *ErrPathEscape
	s.True(errors.As(err, &escape), "got %v", err)
}

func (s *TransferSuite) TestDiagnostics() {
	j := s.localJob()

	_, err := s.transfer.OpenTrace(j)
	var notFound *job.ErrNotFound
	s.True(errors.As(err, &notFound), "got %v", err)

	j.PerfViewTraceFile = filepath.Join(j.BasePath, "trace.etl.zip")
	s.writeFile(j.PerfViewTraceFile, "etl")
	f, err := s.transfer.OpenTrace(j)
	s.Require().NoError(err)
	s.Equal("trace.etl.zip", f.Name)
	s.Equal("etl", s.readAll(f))

	j.DumpFile = filepath.Join(j.BasePath, "gone.dmp")
	_, err = s.transfer.OpenDump(j)
	s.True(errors.As(err, &notFound), "got %v", err)

	_, err = s.transfer.OpenEventPipe(j)
	s.True(errors.As(err, &notFound), "got %v", err)

	s.writeFile(filepath.Join(j.BasePath, "traces", "app.netperf"), "pipe")
	f, err = s.transfer.OpenEventPipe(j)
	s.Require().NoError(err)
	s.Equal("app.netperf", f.Name)
	s.Equal("pipe", s.readAll(f))
}
