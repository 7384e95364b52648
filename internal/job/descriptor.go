package job

import (
	_ "embed"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

// DescriptorSchema is the JSON schema a submitted job must satisfy.
//
//go:embed descriptor.schema.json
var DescriptorSchema []byte

var descriptorSchema *gojsonschema.Schema

func init() {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(DescriptorSchema))
	if err != nil {
		panic(errors.Wrap(err, "compiling job descriptor schema"))
	}
	descriptorSchema = schema
}

// DecodeDescriptor validates a job submitted by a driver and decodes it.
// Fields that only the agent may set are cleared, so the returned job
// carries nothing but the driver's description of the work.
func DecodeDescriptor(raw []byte, minDriverVersion int) (Job, error) {
	result, err := descriptorSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return Job{}, &ErrInvalidArgument{Name: "job", Value: "body", Message: err.Error()}
	}

	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for idx, err := range result.Errors() {
			errs[idx] = err.String()
		}
		return Job{}, &ErrInvalidArgument{
			Name:    "job",
			Value:   "body",
			Message: strings.Join(errs, "; "),
		}
	}

	var j Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return Job{}, &ErrInvalidArgument{Name: "job", Value: "body", Message: err.Error()}
	}

	if j.State != StateNew {
		return Job{}, &ErrInvalidArgument{Name: "state", Value: j.State, Message: "a new job must be in state New"}
	}

	if j.DriverVersion < minDriverVersion {
		return Job{}, &ErrInvalidArgument{
			Name:    "driverVersion",
			Value:   j.DriverVersion,
			Message: "driver is incompatible with this agent, update it",
		}
	}

	j.ID = 0
	j.BasePath = ""
	j.ContainerID = ""
	j.URL = ""
	j.Source.SourceCode = nil
	j.Attachments = nil
	j.BuildAttachments = nil
	j.PerfViewTraceFile = ""
	j.DumpFile = ""
	j.Error = ""

	return j, nil
}
