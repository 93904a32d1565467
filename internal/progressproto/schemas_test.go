package progressproto_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"reionfast/internal/progressproto"
	"reionfast/internal/sim/encoding"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	// Round-trip through json.Marshal so the samples are what the wire
	// actually carries.
	validate := func(s *jsonschema.Schema, msg any) {
		t.Helper()
		raw, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v\npayload: %s", err, raw)
		}
	}

	subSchema := compile("subscribe.schema.json")
	stepSchema := compile("step.schema.json")
	slabSchema := compile("slab.schema.json")

	validate(subSchema, progressproto.SubscribeMsg{
		Type:            "SUBSCRIBE",
		ProtocolVersion: progressproto.Version,
		Quantity:        "ionized_fraction",
		SlabStride:      2,
	})

	validate(stepSchema, progressproto.StepMsg{
		Type:            "STEP",
		ProtocolVersion: progressproto.Version,
		StepIndex:       3,
		Redshift:        9.5,
		MeanXHII:        0.42,
		DtbMeanMK:       -12.7,
		TsMeanK:         18.3,
		ElapsedMS:       804,
	})

	slab := encoding.Quantize([]float32{0, 0.25, 0.5, 1})
	validate(slabSchema, progressproto.SlabMsg{
		Type:            "SLAB",
		ProtocolVersion: progressproto.Version,
		Redshift:        9.5,
		Quantity:        "ionized_fraction",
		ZIndex:          0,
		Encoding:        "RLE_Q16",
		Slab:            slab,
	})
}
