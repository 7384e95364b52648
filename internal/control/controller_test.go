package control

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/oneee-playground/r2d2-agent/internal/artifact"
	"github.com/oneee-playground/r2d2-agent/internal/event"
	"github.com/oneee-playground/r2d2-agent/internal/host"
	"github.com/oneee-playground/r2d2-agent/internal/job"
	"github.com/oneee-playground/r2d2-agent/internal/metric"
	"github.com/oneee-playground/r2d2-agent/internal/workspace"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

const descriptor = `{"state": "New", "driverVersion": 5, "executable": "dotnet", "publishPath": "publish"}`

type recordingPublisher struct {
	mu     sync.Mutex
	events []event.JobEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, e event.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) states() []job.State {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]job.State, len(p.events))
	for idx, e := range p.events {
		out[idx] = e.State
	}
	return out
}

type recordingExporter struct {
	exported map[int][]metric.Measurement
}

func (e *recordingExporter) Export(ctx context.Context, jobID int, ms []metric.Measurement) error {
	e.exported[jobID] = append(e.exported[jobID], ms...)
	return nil
}

// observingWorkspace records which jobs were visible while a directory was
// provisioned.
type observingWorkspace struct {
	Workspace
	repo    job.Repository
	visible []job.Job
	err     error
}

func (w *observingWorkspace) Provision(jobID int) (string, error) {
	w.visible = w.repo.GetAll()
	if w.err != nil {
		return "", w.err
	}
	return w.Workspace.Provision(jobID)
}

type ControllerSuite struct {
	suite.Suite

	repo     *job.MemoryRepository
	ws       *workspace.FSWorkspace
	clock    *clock.Mock
	events   *recordingPublisher
	exporter *recordingExporter
	c        *Controller
}

func TestControllerSuite(t *testing.T) {
	suite.Run(t, new(ControllerSuite))
}

var epoch = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

func (s *ControllerSuite) SetupTest() {
	ws, err := workspace.NewFSWorkspace(s.T().TempDir())
	s.Require().NoError(err)

	s.repo = job.NewMemoryRepository(5)
	s.ws = ws
	s.clock = clock.NewMock()
	s.clock.Set(epoch)
	s.events = &recordingPublisher{}
	s.exporter = &recordingExporter{exported: make(map[int][]metric.Measurement)}

	s.c = New(Opts{
		Log:        zap.NewNop(),
		Repository: s.repo,
		Transfer:   artifact.New(artifact.Opts{Log: zap.NewNop(), Staging: ws}),
		Workspace:  ws,
		Events:     s.events,
		Exporter:   s.exporter,
		Clock:      s.clock,
		Host: host.Info{
			Hardware:        host.HardwareCloud,
			HardwareVersion: "D4s_v5",
			OperatingSystem: "Linux",
		},
		MinDriverVersion: 4,
	})
}

func (s *ControllerSuite) create() job.Job {
	j, err := s.c.Create(context.Background(), []byte(descriptor))
	s.Require().NoError(err)
	return j
}

func (s *ControllerSuite) setState(id int, state job.State) {
	_, err := s.repo.Mutate(id, func(j *job.Job) error {
		j.State = state
		return nil
	})
	s.Require().NoError(err)
}

func (s *ControllerSuite) find(id int) job.Job {
	j, ok := s.repo.Find(id)
	s.Require().True(ok)
	return j
}

func (s *ControllerSuite) staged(id int) []os.DirEntry {
	entries, err := os.ReadDir(filepath.Join(s.ws.Root(), "staging", strconv.Itoa(id)))
	if os.IsNotExist(err) {
		return nil
	}
	s.Require().NoError(err)
	return entries
}

func (s *ControllerSuite) TestCreate() {
	j, err := s.c.Create(context.Background(), []byte(`{
		"state": "New",
		"driverVersion": 5,
		"hardware": "Physical",
		"basePath": "/etc"
	}`))
	s.Require().NoError(err)

	s.Equal(1, j.ID)
	s.Equal(job.StateNew, j.State)
	s.Equal(host.HardwareCloud, j.Hardware)
	s.Equal("D4s_v5", j.HardwareVersion)
	s.Equal("Linux", j.OperatingSystem)
	s.Equal(epoch, j.LastDriverCommunicationUTC)
	s.Equal(s.ws.JobDir(1), j.BasePath)
	s.DirExists(j.BasePath)

	s.Equal([]job.State{job.StateNew}, s.events.states())
}

func (s *ControllerSuite) TestCreateRejectsInvalidDescriptor() {
	for _, body := range []string{
		`{"state": "Running", "driverVersion": 5}`,
		`{"state": "New", "driverVersion": 1}`,
		`not json`,
	} {
		_, err := s.c.Create(context.Background(), []byte(body))

		var invalid *job.ErrInvalidArgument
		s.True(errors.As(err, &invalid), "%s: got %v", body, err)
	}

	s.Empty(s.c.All())
}

func (s *ControllerSuite) TestActive() {
	first := s.create()
	second := s.create()
	s.setState(second.ID, job.StateStopped)

	s.clock.Add(time.Minute)

	active := s.c.Active()
	s.Require().Len(active, 1)
	s.Equal(first.ID, active[0].ID)
	s.Equal(epoch.Add(time.Minute), active[0].LastDriverCommunicationUTC)

	s.Len(s.c.All(), 2)
}

func (s *ControllerSuite) TestAllBumpsHeartbeat() {
	j := s.create()
	s.setState(j.ID, job.StateStopped)

	s.clock.Add(time.Hour)

	all := s.c.All()
	s.Require().Len(all, 1)
	s.Equal(epoch.Add(time.Hour), all[0].LastDriverCommunicationUTC)

	stored, ok := s.repo.Find(j.ID)
	s.Require().True(ok)
	s.Equal(epoch.Add(time.Hour), stored.LastDriverCommunicationUTC)
}

func (s *ControllerSuite) TestCreateProvisionsBeforePublishing() {
	ws := &observingWorkspace{Workspace: s.ws, repo: s.repo}
	s.c.Workspace = ws

	j := s.create()
	s.Empty(ws.visible)

	stored, ok := s.repo.Find(j.ID)
	s.Require().True(ok)
	s.Equal(s.ws.JobDir(j.ID), stored.BasePath)
}

func (s *ControllerSuite) TestCreateProvisionFailure() {
	s.c.Workspace = &observingWorkspace{Workspace: s.ws, repo: s.repo, err: errors.New("disk full")}

	_, err := s.c.Create(context.Background(), []byte(descriptor))
	s.Error(err)
	s.Empty(s.repo.GetAll())
	s.Empty(s.events.states())

	s.c.Workspace = s.ws
	s.Equal(2, s.create().ID)
}

func (s *ControllerSuite) TestGetBumpsHeartbeat() {
	j := s.create()
	s.clock.Add(time.Hour)

	got, err := s.c.Get(j.ID)
	s.Require().NoError(err)
	s.Equal(epoch.Add(time.Hour), got.LastDriverCommunicationUTC)

	state, err := s.c.State(j.ID)
	s.Require().NoError(err)
	s.Equal(job.StateNew, state)

	_, err = s.c.Get(99)
	var notFound *job.ErrNotFound
	s.True(errors.As(err, &notFound))
	s.Error(s.c.Touch(99))
}

func (s *ControllerSuite) TestStart() {
	j := s.create()

	err := s.c.Start(context.Background(), j.ID)
	var invalid *job.ErrInvalidState
	s.Require().True(errors.As(err, &invalid), "got %v", err)
	s.Equal(job.StateNew, invalid.State)

	s.setState(j.ID, job.StateInitializing)
	s.Require().NoError(s.c.Start(context.Background(), j.ID))
	s.Equal(job.StateWaiting, s.find(j.ID).State)

	s.Equal([]job.State{job.StateNew, job.StateWaiting}, s.events.states())
}

func (s *ControllerSuite) TestStopIsIdempotentOnTerminalJobs() {
	j := s.create()

	for _, state := range []job.State{job.StateStopped, job.StateFailed} {
		s.setState(j.ID, state)

		changed, err := s.c.Stop(context.Background(), j.ID)
		s.Require().NoError(err)
		s.False(changed)
		s.Equal(state, s.find(j.ID).State)
	}

	s.setState(j.ID, job.StateRunning)
	changed, err := s.c.Stop(context.Background(), j.ID)
	s.Require().NoError(err)
	s.True(changed)
	s.Equal(job.StateStopping, s.find(j.ID).State)

	_, err = s.c.Stop(context.Background(), 99)
	var notFound *job.ErrNotFound
	s.True(errors.As(err, &notFound))
}

func (s *ControllerSuite) TestDeleteAndTrace() {
	j := s.create()

	s.Require().NoError(s.c.Trace(context.Background(), j.ID))
	s.Equal(job.StateTraceCollecting, s.find(j.ID).State)

	found, err := s.c.Delete(context.Background(), j.ID)
	s.Require().NoError(err)
	s.True(found)
	s.Equal(job.StateDeleting, s.find(j.ID).State)

	found, err = s.c.Delete(context.Background(), 99)
	s.NoError(err)
	s.False(found)
}

func (s *ControllerSuite) TestRelease() {
	j := s.create()
	s.Require().NoError(s.c.UploadSource(context.Background(), j.ID, Upload{Destination: "src.zip", Body: strings.NewReader("src")}))

	s.Require().NoError(s.c.Release(j.ID))

	_, ok := s.repo.Find(j.ID)
	s.False(ok)
	s.NoDirExists(j.BasePath)
	s.Empty(s.staged(j.ID))
}

func (s *ControllerSuite) TestUploadAttachment() {
	j := s.create()
	s.setState(j.ID, job.StateInitializing)
	s.clock.Add(time.Second)

	err := s.c.UploadAttachment(context.Background(), j.ID, Upload{
		Destination: "config/appsettings.json",
		Body:        strings.NewReader(`{"Logging": {}}`),
	})
	s.Require().NoError(err)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write([]byte("compressed"))
	gz.Close()

	err = s.c.UploadBuildFile(context.Background(), j.ID, Upload{Destination: "nuget.config", Body: &buf, Gzipped: true})
	s.Require().NoError(err)

	got := s.find(j.ID)
	s.Require().Len(got.Attachments, 1)
	s.Equal("config/appsettings.json", got.Attachments[0].Filename)
	s.Require().Len(got.BuildAttachments, 1)
	s.Equal(epoch.Add(time.Second), got.LastDriverCommunicationUTC)

	b, err := os.ReadFile(got.BuildAttachments[0].TempFilename)
	s.Require().NoError(err)
	s.Equal("compressed", string(b))
}

func (s *ControllerSuite) TestUploadOutsideInitializingWritesNothing() {
	j := s.create()

	for _, state := range []job.State{job.StateNew, job.StateRunning, job.StateStopped} {
		s.setState(j.ID, state)

		err := s.c.UploadAttachment(context.Background(), j.ID, Upload{Destination: "a.txt", Body: strings.NewReader("a")})
		var invalid *job.ErrInvalidState
		s.True(errors.As(err, &invalid), "got %v", err)

		err = s.c.UploadAttachmentZip(context.Background(), j.ID, Upload{Body: strings.NewReader("zip")})
		s.True(errors.As(err, &invalid), "got %v", err)
	}

	s.Empty(s.staged(j.ID))
	s.Empty(s.find(j.ID).Attachments)

	err := s.c.UploadAttachment(context.Background(), 99, Upload{Destination: "a.txt", Body: strings.NewReader("a")})
	var notFound *job.ErrNotFound
	s.True(errors.As(err, &notFound), "got %v", err)
}

func (s *ControllerSuite) TestUploadRejectsDestination() {
	j := s.create()
	s.setState(j.ID, job.StateInitializing)

	err := s.c.UploadAttachment(context.Background(), j.ID, Upload{Destination: "../../etc/cron.d/job", Body: strings.NewReader("x")})
	var escape *artifact.ErrPathEscape
	s.True(errors.As(err, &escape), "got %v", err)

	err = s.c.UploadAttachment(context.Background(), j.ID, Upload{Body: strings.NewReader("x")})
	var invalid *job.ErrInvalidArgument
	s.True(errors.As(err, &invalid), "got %v", err)

	s.Empty(s.staged(j.ID))
}

// leavingReader moves the job out of Initializing once the body has been
// fully read, like a concurrent stop arriving mid-upload.
type leavingReader struct {
	r     io.Reader
	leave func()
	once  sync.Once
}

func (r *leavingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err == io.EOF {
		r.once.Do(r.leave)
	}
	return n, err
}

func (s *ControllerSuite) TestUploadRegistrationRechecksState() {
	j := s.create()
	s.setState(j.ID, job.StateInitializing)

	body := &leavingReader{
		r:     strings.NewReader("payload"),
		leave: func() { s.setState(j.ID, job.StateStopping) },
	}

	err := s.c.UploadAttachment(context.Background(), j.ID, Upload{Destination: "a.txt", Body: body})
	var invalid *job.ErrInvalidState
	s.Require().True(errors.As(err, &invalid), "got %v", err)
	s.Equal(job.StateStopping, invalid.State)

	s.Empty(s.staged(j.ID))
	s.Empty(s.find(j.ID).Attachments)
}

func (s *ControllerSuite) TestUploadAttachmentZip() {
	j := s.create()
	s.setState(j.ID, job.StateInitializing)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string]string{"a.txt": "a", "sub/b.txt": "b"} {
		w, err := zw.Create(name)
		s.Require().NoError(err)
		w.Write([]byte(content))
	}
	s.Require().NoError(zw.Close())

	err := s.c.UploadAttachmentZip(context.Background(), j.ID, Upload{Destination: "app", Body: &buf})
	s.Require().NoError(err)

	got := s.find(j.ID)
	s.Require().Len(got.Attachments, 2)
	s.Equal("app/a.txt", got.Attachments[0].Filename)
	s.Equal("app/sub/b.txt", got.Attachments[1].Filename)

	b, err := os.ReadFile(got.Attachments[1].TempFilename)
	s.Require().NoError(err)
	s.Equal("b", string(b))
}

func (s *ControllerSuite) TestUploadSourceReplacesPrevious() {
	j := s.create()
	s.setState(j.ID, job.StateRunning)

	s.Require().NoError(s.c.UploadSource(context.Background(), j.ID, Upload{Destination: "src.zip", Body: strings.NewReader("v1")}))
	first := s.find(j.ID).Source.SourceCode
	s.Require().NotNil(first)

	s.Require().NoError(s.c.UploadSource(context.Background(), j.ID, Upload{Destination: "src.zip", Body: strings.NewReader("v2")}))
	second := s.find(j.ID).Source.SourceCode
	s.Require().NotNil(second)

	s.NotEqual(first.TempFilename, second.TempFilename)
	s.NoFileExists(first.TempFilename)
	s.Len(s.staged(j.ID), 1)

	err := s.c.UploadSource(context.Background(), 99, Upload{Body: strings.NewReader("x")})
	var notFound *job.ErrNotFound
	s.True(errors.As(err, &notFound), "got %v", err)
}

func (s *ControllerSuite) TestMeasurements() {
	j := s.create()
	stream := s.find(j.ID).Measurements

	stream.Enqueue(
		metric.Measurement{Name: "a", Timestamp: epoch, Value: 1},
		metric.Measurement{Name: "b", Timestamp: epoch, Value: 2},
		metric.NewDelimiter(epoch),
		metric.Measurement{Name: "c", Timestamp: epoch, Value: 3},
	)

	removed, err := s.c.FlushMeasurements(j.ID)
	s.Require().NoError(err)
	s.Equal(3, removed)

	removed, err = s.c.FlushMeasurements(j.ID)
	s.Require().NoError(err)
	s.Zero(removed)

	ms, err := s.c.Measurements(context.Background(), j.ID)
	s.Require().NoError(err)
	s.Require().Len(ms, 1)
	s.Equal("c", ms[0].Name)
	s.Equal(ms, s.exporter.exported[j.ID])

	ms, err = s.c.Measurements(context.Background(), j.ID)
	s.Require().NoError(err)
	s.Empty(ms)

	stream.Enqueue(metric.Measurement{Name: "d"})
	s.Require().NoError(s.c.ResetStats(j.ID))
	s.Zero(stream.Len())

	s.Error(s.c.ResetStats(99))
}

func (s *ControllerSuite) TestLogs() {
	j := s.create()
	buildLog := s.find(j.ID).BuildLog

	for i := 0; i < 7; i++ {
		buildLog.AddLine("line " + strconv.Itoa(i))
	}

	page, err := s.c.BuildLogSince(j.ID, 0)
	s.Require().NoError(err)
	s.True(page.Gap)
	s.Equal(7, page.Next)
	s.Equal([]string{"line 2", "line 3", "line 4", "line 5", "line 6"}, page.Lines)

	page, err = s.c.BuildLogSince(j.ID, page.Next)
	s.Require().NoError(err)
	s.False(page.Gap)
	s.Empty(page.Lines)

	_, err = s.c.BuildLogSince(j.ID, -1)
	var invalid *job.ErrInvalidArgument
	s.True(errors.As(err, &invalid))

	output, err := s.c.Output(j.ID)
	s.Require().NoError(err)
	s.Empty(output)
}

func (s *ControllerSuite) TestDownload() {
	j := s.create()
	s.Require().NoError(os.WriteFile(filepath.Join(j.BasePath, "summary.json"), []byte("{}"), 0644))

	f, err := s.c.Download(context.Background(), j.ID, "summary.json")
	s.Require().NoError(err)
	defer f.Close()

	b, err := io.ReadAll(f)
	s.Require().NoError(err)
	s.Equal("{}", string(b))

	_, err = s.c.Download(context.Background(), j.ID, "../../../../etc/passwd")
	var escape *artifact.ErrPathEscape
	s.True(errors.As(err, &escape), "got %v", err)

	names, err := s.c.List(context.Background(), j.ID, "*.json")
	s.Require().NoError(err)
	s.Equal([]string{"summary.json"}, names)

	_, err = s.c.TraceFile(j.ID)
	var notFound *job.ErrNotFound
	s.True(errors.As(err, &notFound), "got %v", err)
}

func (s *ControllerSuite) TestInvoke() {
	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.URL.RequestURI())
	}))
	defer app.Close()

	s.c.HTTPClient = app.Client()

	j := s.create()

	_, err := s.c.Invoke(context.Background(), j.ID, "/")
	var invalid *job.ErrInvalidState
	s.Require().True(errors.As(err, &invalid), "got %v", err)

	_, err = s.repo.Mutate(j.ID, func(j *job.Job) error {
		j.State = job.StateRunning
		j.URL = app.URL + "/base"
		return nil
	})
	s.Require().NoError(err)

	res, err := s.c.Invoke(context.Background(), j.ID, "../../api/values?x=1")
	s.Require().NoError(err)
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	s.Require().NoError(err)
	s.Equal("/base/api/values?x=1", string(b))
}

func (s *ControllerSuite) TestStale() {
	fresh := s.create()
	old := s.create()
	done := s.create()
	s.setState(done.ID, job.StateStopped)

	s.clock.Add(10 * time.Minute)
	s.Require().NoError(s.c.Touch(fresh.ID))

	stale := s.c.Stale(5 * time.Minute)
	s.Require().Len(stale, 1)
	s.Equal(old.ID, stale[0].ID)
}
