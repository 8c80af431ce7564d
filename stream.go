package main

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mlosab3/ck-openvino/backend"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamConn serializes writes to one websocket client. The first failed
// write cancels the stream.
type streamConn struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	logger *zap.Logger
	broken bool
}

func (c *streamConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return net.ErrClosed
	}
	if err := c.conn.WriteJSON(v); err != nil {
		c.broken = true
		c.logger.Warn("stream write failed", zap.Error(err))
		c.cancel()
		// Unblocks the pending ReadJSON.
		_ = c.conn.Close()
		return err
	}
	return nil
}

// handleStream is the Server scenario over a websocket: every inbound frame
// is one Sample, and a SampleResult is pushed back when it completes. Results
// may arrive out of order.
func (s *AppState) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		sendErrorResponse(w, CodeNotReady, MsgNotReady, "", http.StatusServiceUnavailable)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn := &streamConn{conn: ws, cancel: cancel, logger: s.Logger}

	s.Logger.Info("stream client connected", zap.String("remote", r.RemoteAddr))
	var inFlight sync.WaitGroup
	defer inFlight.Wait()

	for {
		var smp Sample
		if err := ws.ReadJSON(&smp); err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.Logger.Warn("stream read failed", zap.Error(err))
			}
			s.Logger.Info("stream client disconnected", zap.String("remote", r.RemoteAddr))
			return
		}

		batch, err := s.decodeSamples([]Sample{smp})
		if err != nil {
			if conn.send(SampleResult{SampleIndex: smp.SampleIndex, ResponseID: smp.ResponseID, Error: err.Error()}) != nil {
				return
			}
			continue
		}
		inputs, err := s.prepare(ctx, batch)
		if err != nil {
			if conn.send(SampleResult{SampleIndex: smp.SampleIndex, ResponseID: smp.ResponseID, Error: err.Error()}) != nil {
				return
			}
			continue
		}

		id := batch.ids[0]
		inFlight.Add(1)
		s.pending.add(id, func(res backend.ServerResult) {
			defer inFlight.Done()
			_ = conn.send(streamResult(res, batch))
		})
		if err := s.Backend.PredictServer(ctx, inputs[0], false); err != nil {
			s.pending.remove(id)
			inFlight.Done()
			_, message, _ := errorStatus(err)
			if conn.send(SampleResult{SampleIndex: smp.SampleIndex, ResponseID: batch.names[id], Error: message}) != nil {
				return
			}
		}
	}
}

func streamResult(res backend.ServerResult, batch *sampleBatch) SampleResult {
	out, err := serverPayload(res)
	if err == nil {
		var results []SampleResult
		if results, err = buildResults(out, batch); err == nil && len(results) == 1 {
			return results[0]
		}
	}
	r := SampleResult{
		SampleIndex: uint64(batch.samples[0]),
		ResponseID:  batch.names[batch.ids[0]],
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
