package job

import (
	"path"
	"strings"
	"time"

	"github.com/oneee-playground/r2d2-agent/internal/metric"
	"github.com/oneee-playground/r2d2-agent/internal/util/ringlog"
)

// Attachment is a file staged on the agent for the execution loop to place
// at Filename, relative to the job's working directory.
type Attachment struct {
	TempFilename string `json:"tempFilename"`
	Filename     string `json:"filename"`
}

type Source struct {
	SourceCode *Attachment `json:"sourceCode,omitempty"`

	Repository     string `json:"repository,omitempty"`
	BranchOrCommit string `json:"branchOrCommit,omitempty"`
	Project        string `json:"project,omitempty"`

	DockerFile             string `json:"dockerFile,omitempty"`
	DockerImageName        string `json:"dockerImageName,omitempty"`
	DockerContextDirectory string `json:"dockerContextDirectory,omitempty"`
	// DockerFetchPath is the directory inside the container that artifacts
	// are retrieved from.
	DockerFetchPath string `json:"dockerFetchPath,omitempty"`
}

func (s Source) IsDocker() bool {
	return s.DockerFile != "" || s.DockerImageName != ""
}

// NormalizedImageName returns the image name used for docker jobs. An
// explicit DockerImageName wins; otherwise the name is derived from the
// docker file name.
func (s Source) NormalizedImageName() string {
	if s.DockerImageName != "" {
		return strings.ToLower(s.DockerImageName)
	}

	name := path.Base(strings.ReplaceAll(s.DockerFile, `\`, "/"))
	name = strings.TrimSuffix(name, path.Ext(name))
	name = strings.ReplaceAll(name, "-", "_")

	return "benchmarks_" + strings.ToLower(name)
}

type Job struct {
	ID    int   `json:"id"`
	State State `json:"state"`

	DriverVersion   int    `json:"driverVersion"`
	Hardware        string `json:"hardware,omitempty"`
	HardwareVersion string `json:"hardwareVersion,omitempty"`
	OperatingSystem string `json:"operatingSystem,omitempty"`

	LastDriverCommunicationUTC time.Time `json:"lastDriverCommunicationUtc"`
	StartedAt                  time.Time `json:"startedAt,omitempty"`

	BasePath    string `json:"basePath,omitempty"`
	PublishPath string `json:"publishPath,omitempty"`
	ContainerID string `json:"containerId,omitempty"`
	URL         string `json:"url,omitempty"`

	Source           Source            `json:"source"`
	Executable       string            `json:"executable,omitempty"`
	Arguments        string            `json:"arguments,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`
	Attachments      []Attachment      `json:"attachments,omitempty"`
	BuildAttachments []Attachment      `json:"buildAttachments,omitempty"`

	PerfViewTraceFile string `json:"perfViewTraceFile,omitempty"`
	DumpFile          string `json:"dumpFile,omitempty"`
	Error             string `json:"error,omitempty"`

	BuildLog     *ringlog.Log   `json:"-"`
	Output       *ringlog.Log   `json:"-"`
	Measurements *metric.Stream `json:"-"`
}

// Clone copies j so that the copy shares nothing mutable with it except the
// logs and the measurement stream, which are safe for concurrent use.
func (j Job) Clone() Job {
	out := j

	if j.Source.SourceCode != nil {
		sourceCode := *j.Source.SourceCode
		out.Source.SourceCode = &sourceCode
	}
	if j.Environment != nil {
		out.Environment = make(map[string]string, len(j.Environment))
		for key, val := range j.Environment {
			out.Environment[key] = val
		}
	}
	out.Attachments = cloneAttachments(j.Attachments)
	out.BuildAttachments = cloneAttachments(j.BuildAttachments)

	return out
}

func cloneAttachments(in []Attachment) []Attachment {
	if in == nil {
		return nil
	}
	out := make([]Attachment, len(in))
	copy(out, in)
	return out
}
