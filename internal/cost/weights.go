// Package cost reconciles per-source cost observations into one canonical cost.
package cost

import "strings"

// Known source systems.
const (
	SourceSupplierInvoice = "supplier_invoice"
	SourceManual          = "manual"
	SourcePinzhi          = "pinzhi"
	SourceAoqiwei         = "aoqiwei"
	SourceTiancai         = "tiancai"
	SourceKeruyun         = "keruyun"
	SourceMeituan         = "meituan"
	SourceEleme           = "eleme"
)

// DefaultUnknownWeight is the reliability assigned to sources missing from the table.
const DefaultUnknownWeight = 0.5

// Weights holds the fixed per-source reliability table.
type Weights struct {
	Sources map[string]float64 `yaml:"sources" mapstructure:"sources"`
	Unknown float64            `yaml:"unknown" mapstructure:"unknown"`
}

// Weight returns the reliability weight for a source system.
func (w Weights) Weight(source string) float64 {
	if v, ok := w.Sources[strings.ToLower(strings.TrimSpace(source))]; ok {
		return v
	}
	return w.Unknown
}

// Known reports whether the source has an explicit entry in the table.
func (w Weights) Known(source string) bool {
	_, ok := w.Sources[strings.ToLower(strings.TrimSpace(source))]
	return ok
}

// DefaultWeights returns the default reliability table.
func DefaultWeights() Weights {
	return Weights{
		Sources: map[string]float64{
			SourceSupplierInvoice: 0.95,
			SourceManual:          0.90,
			SourcePinzhi:          0.85,
			SourceAoqiwei:         0.80,
			SourceTiancai:         0.80,
			SourceKeruyun:         0.80,
			SourceMeituan:         0.75,
			SourceEleme:           0.75,
		},
		Unknown: DefaultUnknownWeight,
	}
}

// WithOverrides returns a copy of w with the given sources replaced. A non-positive
// unknown leaves the existing unknown-source weight in place.
func (w Weights) WithOverrides(sources map[string]float64, unknown float64) Weights {
	out := Weights{Sources: make(map[string]float64, len(w.Sources)+len(sources)), Unknown: w.Unknown}
	for k, v := range w.Sources {
		out.Sources[k] = v
	}
	for k, v := range sources {
		out.Sources[strings.ToLower(strings.TrimSpace(k))] = v
	}
	if unknown > 0 {
		out.Unknown = unknown
	}
	return out
}
