package progressproto

import "reionfast/internal/sim/encoding"

// Version is the progress-stream protocol version.
const Version = "0.1"

// Client -> Server. First message on the progress WS connection, and can be
// re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Quantity selects which field to stream slabs of (empty disables
	// slab streaming; step summaries are always sent).
	Quantity string `json:"quantity,omitempty"`
	// SlabStride sends every Nth z-slab.
	SlabStride int `json:"slab_stride,omitempty"`
}

// HTTP response for GET /v1/progress/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string    `json:"protocol_version"`
	RunID           string    `json:"run_id"`
	RunParams       RunParams `json:"run_params"`
}

type RunParams struct {
	Dim       int       `json:"dim"`
	HIIDim    int       `json:"hii_dim"`
	BoxLenMpc float64   `json:"box_len_mpc"`
	Seed      int64     `json:"seed"`
	Schedule  []float64 `json:"schedule"`
}

// Server -> Client. Sent after every completed redshift step.
type StepMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	StepIndex int     `json:"step_index"`
	Redshift  float64 `json:"redshift"`
	MeanXHII  float64 `json:"mean_xhii"`
	DtbMeanMK float64 `json:"dtb_mean_mk"`
	TsMeanK   float64 `json:"ts_mean_k,omitempty"`
	ElapsedMS int64   `json:"elapsed_ms"`
}

// Server -> Client. One quantized z-slab of the subscribed field.
// Encoding "RLE_Q16" means: decode the slab levels per the encoding package
// (base64 varint RLE pairs of uint16 levels), then map linearly onto
// [min, max]. Iteration order: for y in 0..n-1, for x in 0..n-1 (x fastest).
type SlabMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	Redshift float64                `json:"redshift"`
	Quantity string                 `json:"quantity"`
	ZIndex   int                    `json:"z_index"`
	Encoding string                 `json:"encoding"`
	Slab     encoding.QuantizedSlab `json:"slab"`
}
