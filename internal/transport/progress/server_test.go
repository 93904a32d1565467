package progress

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"reionfast/internal/progressproto"
	"reionfast/internal/sim/field"
	"reionfast/internal/sim/params"
	"reionfast/internal/sim/pipeline"
)

func testOutput(t *testing.T) *pipeline.StepOutput {
	t.Helper()
	dens, err := field.New(4, 40, field.DensityContrast)
	if err != nil {
		t.Fatalf("field: %v", err)
	}
	xhii, err := field.New(4, 40, field.IonizedFraction)
	if err != nil {
		t.Fatalf("field: %v", err)
	}
	dtb, err := field.New(4, 40, field.BrightnessTemp)
	if err != nil {
		t.Fatalf("field: %v", err)
	}
	for i := range xhii.Data {
		xhii.Data[i] = float32(i) / float32(len(xhii.Data))
	}
	return &pipeline.StepOutput{
		Redshift:   9,
		Density:    dens,
		XHII:       xhii,
		Brightness: dtb,
		MeanXHII:   xhii.Mean(),
	}
}

func dialTestServer(t *testing.T, srv *Server) (*httptest.Server, *websocket.Conn) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/progress/ws", srv.WSHandler())
	mux.HandleFunc("/v1/progress/bootstrap", srv.BootstrapHandler())
	ts := httptest.NewServer(mux)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/progress/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		ts.Close()
		t.Fatalf("dial: %v", err)
	}
	return ts, conn
}

func TestPublishStreamsStepAndSlabs(t *testing.T) {
	p, err := params.New(params.Params{Box: params.Box{BoxLen: 40, Dim: 8, HIIDim: 4}, Seed: 1})
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	srv := NewServer("run-x", p, []float64{9}, nil)
	ts, conn := dialTestServer(t, srv)
	defer ts.Close()
	defer conn.Close()

	sub := progressproto.SubscribeMsg{
		Type:            "SUBSCRIBE",
		ProtocolVersion: progressproto.Version,
		Quantity:        string(field.IonizedFraction),
		SlabStride:      2,
	}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// The subscribe handshake is processed by the handler goroutine; wait
	// until the subscriber is registered before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		srv.mu.Lock()
		n := len(srv.subs)
		srv.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	out := testOutput(t)
	srv.Publish(out, &pipeline.RedshiftState{Redshift: 9, StepIndex: 1}, 25*time.Millisecond)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read step: %v", err)
	}
	var step progressproto.StepMsg
	if err := json.Unmarshal(msg, &step); err != nil {
		t.Fatalf("unmarshal step: %v", err)
	}
	if step.Type != "STEP" || step.Redshift != 9 || step.StepIndex != 1 {
		t.Fatalf("unexpected step message: %+v", step)
	}

	// Stride 2 over a 4-deep grid: slabs at z=0 and z=2.
	for _, wantZ := range []int{0, 2} {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read slab: %v", err)
		}
		var slab progressproto.SlabMsg
		if err := json.Unmarshal(msg, &slab); err != nil {
			t.Fatalf("unmarshal slab: %v", err)
		}
		if slab.ZIndex != wantZ || slab.Quantity != string(field.IonizedFraction) || slab.Encoding != "RLE_Q16" {
			t.Fatalf("unexpected slab: z=%d quantity=%s encoding=%s", slab.ZIndex, slab.Quantity, slab.Encoding)
		}
		got, err := slab.Slab.Dequantize()
		if err != nil {
			t.Fatalf("dequantize: %v", err)
		}
		start := wantZ * 16
		for i, v := range got {
			want := float64(out.XHII.Data[start+i])
			if math.Abs(float64(v)-want) > 1e-3 {
				t.Fatalf("slab z=%d cell %d = %g, want %g", wantZ, i, v, want)
			}
		}
	}
}

func TestWSRejectsBadHandshake(t *testing.T) {
	p, err := params.New(params.Params{Box: params.Box{BoxLen: 40, Dim: 8, HIIDim: 4}})
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	srv := NewServer("run-y", p, nil, nil)
	ts, conn := dialTestServer(t, srv)
	defer ts.Close()
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "HELLO"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected close after bad handshake")
	}
}

func TestBootstrapReportsRunParams(t *testing.T) {
	p, err := params.New(params.Params{Box: params.Box{BoxLen: 40, Dim: 8, HIIDim: 4}, Seed: 77})
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	srv := NewServer("run-z", p, []float64{12, 9}, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/progress/bootstrap", srv.BootstrapHandler())
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/progress/bootstrap")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var boot progressproto.BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&boot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if boot.RunID != "run-z" || boot.RunParams.Seed != 77 || len(boot.RunParams.Schedule) != 2 {
		t.Fatalf("unexpected bootstrap: %+v", boot)
	}
}
