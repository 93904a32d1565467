// Package progress streams run progress to local observers over websockets:
// a step summary after every redshift step, plus optional quantized field
// slabs for live rendering. Connections are restricted to loopback; the
// stream is an operator window, not a public API.
package progress

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"reionfast/internal/progressproto"
	"reionfast/internal/sim/encoding"
	"reionfast/internal/sim/field"
	"reionfast/internal/sim/params"
	"reionfast/internal/sim/pipeline"
)

type Server struct {
	runID    string
	p        params.Params
	schedule []float64
	log      *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu   sync.Mutex
	subs map[string]*subscriber
}

type subscriber struct {
	out      chan []byte
	quantity string
	stride   int
}

func NewServer(runID string, p params.Params, schedule []float64, logger *log.Logger) *Server {
	return &Server{
		runID:    runID,
		p:        p,
		schedule: schedule,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		subs: make(map[string]*subscriber),
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		resp := progressproto.BootstrapResponse{
			ProtocolVersion: progressproto.Version,
			RunID:           s.runID,
			RunParams: progressproto.RunParams{
				Dim:       s.p.Box.Dim,
				HIIDim:    s.p.Box.HIIDim,
				BoxLenMpc: s.p.Box.BoxLen,
				Seed:      s.p.Seed,
				Schedule:  s.schedule,
			},
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub progressproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != progressproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}
		normalizeSubscribe(&sub)

		sid := fmt.Sprintf("P%d", s.nextID.Add(1))
		w := &subscriber{
			out:      make(chan []byte, 256),
			quantity: sub.Quantity,
			stride:   sub.SlabStride,
		}
		s.mu.Lock()
		s.subs[sid] = w
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.subs, sid)
			s.mu.Unlock()
		}()

		writeErr := make(chan error, 1)
		go func() {
			for b := range w.out {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					writeErr <- err
					return
				}
			}
			writeErr <- nil
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var upd progressproto.SubscribeMsg
			if err := json.Unmarshal(msg, &upd); err != nil {
				continue
			}
			if upd.Type != "SUBSCRIBE" || upd.ProtocolVersion != progressproto.Version {
				continue
			}
			normalizeSubscribe(&upd)
			s.mu.Lock()
			w.quantity = upd.Quantity
			w.stride = upd.SlabStride
			s.mu.Unlock()
		}

		s.mu.Lock()
		delete(s.subs, sid)
		close(w.out)
		s.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Publish broadcasts a completed step to every subscriber. Slab payloads are
// built at most once per quantity; slow subscribers drop messages rather
// than stalling the run.
func (s *Server) Publish(out *pipeline.StepOutput, state *pipeline.RedshiftState, elapsed time.Duration) {
	step := progressproto.StepMsg{
		Type:            "STEP",
		ProtocolVersion: progressproto.Version,
		StepIndex:       state.StepIndex,
		Redshift:        out.Redshift,
		MeanXHII:        out.MeanXHII,
		DtbMeanMK:       out.Brightness.Mean(),
		ElapsedMS:       elapsed.Milliseconds(),
	}
	if out.Ts != nil {
		step.TsMeanK = out.Ts.Mean()
	}
	stepBytes, _ := json.Marshal(step)

	slabCache := map[string][][]byte{}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.subs {
		send(w, stepBytes)
		if w.quantity == "" {
			continue
		}
		key := fmt.Sprintf("%s/%d", w.quantity, w.stride)
		slabs, ok := slabCache[key]
		if !ok {
			slabs = buildSlabs(out, w.quantity, w.stride)
			slabCache[key] = slabs
		}
		for _, b := range slabs {
			send(w, b)
		}
	}
}

func send(w *subscriber, b []byte) {
	select {
	case w.out <- b:
	default:
	}
}

func buildSlabs(out *pipeline.StepOutput, quantity string, stride int) [][]byte {
	f := fieldByQuantity(out, field.Quantity(quantity))
	if f == nil {
		return nil
	}
	n := f.N
	var msgs [][]byte
	for z := 0; z < n; z += stride {
		start := z * n * n
		msg := progressproto.SlabMsg{
			Type:            "SLAB",
			ProtocolVersion: progressproto.Version,
			Redshift:        out.Redshift,
			Quantity:        quantity,
			ZIndex:          z,
			Encoding:        "RLE_Q16",
			Slab:            encoding.Quantize(f.Data[start : start+n*n]),
		}
		b, _ := json.Marshal(msg)
		msgs = append(msgs, b)
	}
	return msgs
}

func fieldByQuantity(out *pipeline.StepOutput, q field.Quantity) *field.Field {
	for _, f := range []*field.Field{out.Density, out.XHII, out.Ts, out.Brightness, out.Velocity} {
		if f != nil && f.Quantity == q {
			return f
		}
	}
	return nil
}

func normalizeSubscribe(sub *progressproto.SubscribeMsg) {
	if sub.SlabStride <= 0 {
		sub.SlabStride = 1
	}
	if sub.SlabStride > 64 {
		sub.SlabStride = 64
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
