package model

const (
	MeasurementKVM = "kvm"

	MetaKVMHostID = "kvm_host_id"

	VarKVMVMs            = "kvm_vms"
	VarKVMTotalVCPUs     = "kvm_total_vcpus"
	VarKVMScheduledVCPUs = "kvm_scheduled_vcpus"

	ExitCodeOK     = 0
	ExitCodeFailed = 1
)

// Envelope is the uniform result record of a single collection run.
// Variables is set only when ExitCode is ExitCodeOK.
type Envelope struct {
	MeasurementName string           `json:"measurement_name" yaml:"measurement_name"`
	Meta            map[string]any   `json:"meta" yaml:"meta"`
	Variables       map[string]int64 `json:"variables,omitempty" yaml:"variables,omitempty"`
	ExitCode        int              `json:"exit_code" yaml:"exit_code"`
	Message         string           `json:"message" yaml:"message"`
}

func NewEnvelope(name string, meta map[string]any) Envelope {
	return Envelope{MeasurementName: name, Meta: copyMeta(meta)}
}

// Succeed returns a copy of e carrying vars and the success status.
func (e Envelope) Succeed(vars map[string]int64, message string) Envelope {
	out := e
	out.Meta = copyMeta(e.Meta)
	out.Variables = make(map[string]int64, len(vars))
	for k, v := range vars {
		out.Variables[k] = v
	}
	out.ExitCode = ExitCodeOK
	out.Message = message
	return out
}

// Fail returns a copy of e carrying the failure status. Variables are dropped.
func (e Envelope) Fail(message string) Envelope {
	out := e
	out.Meta = copyMeta(e.Meta)
	out.Variables = nil
	out.ExitCode = ExitCodeFailed
	out.Message = message
	return out
}

func (e Envelope) OK() bool {
	return e.ExitCode == ExitCodeOK && e.Variables != nil
}

func copyMeta(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
