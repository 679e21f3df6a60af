package export

// Export format names accepted on the command line.
const (
	FormatONNX        = "onnx"
	FormatTorchScript = "torchscript"
	FormatCoreML      = "coreml"
	FormatAll         = "all"
)

// allFormats is what FormatAll expands to, in export order.
var allFormats = []string{FormatONNX, FormatTorchScript, FormatCoreML}

// Capability reports whether one export format can be produced by this
// build, and why not when it cannot.
type Capability struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// Capabilities maps format names to their availability. Detect it once
// and pass the value around so every caller sees the same answer.
type Capabilities map[string]Capability

// DetectCapabilities probes which formats this build can produce. ONNX
// is emitted natively; TorchScript and CoreML need external toolchains
// that are not linked in.
func DetectCapabilities() Capabilities {
	return Capabilities{
		FormatONNX:        {Available: true},
		FormatTorchScript: {Available: false, Reason: "requires a libtorch runtime"},
		FormatCoreML:      {Available: false, Reason: "requires the coremltools toolchain"},
	}
}

// Supports reports whether format is available.
func (c Capabilities) Supports(format string) bool {
	return c[format].Available
}

// Reason returns why format is unavailable, empty when it is usable.
func (c Capabilities) Reason(format string) string {
	return c[format].Reason
}
