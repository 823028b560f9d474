package network

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/meftunca/empbroker/pkg/emp"
	"github.com/meftunca/empbroker/pkg/metrics"
	"github.com/meftunca/empbroker/pkg/queue"
	"github.com/meftunca/empbroker/pkg/types"
	"go.uber.org/zap"
)

// Protocol replies
var (
	ReplyOK    = []byte("OK")
	ReplyFail  = []byte("FAIL")
	ReplyEmpty = []byte("EMPTY")
)

// Recorder receives listener metrics. *metrics.PrometheusMetrics implements it.
type Recorder interface {
	RecordConnection(listener string)
	RecordConnectionClosed(listener string, duration time.Duration)
	RecordTransportError(listener, operation string)
	RecordSubmission(result string, frameSize int)
	RecordFetch(result string)
}

type nopRecorder struct{}

func (nopRecorder) RecordConnection(string)                      {}
func (nopRecorder) RecordConnectionClosed(string, time.Duration) {}
func (nopRecorder) RecordTransportError(string, string)          {}
func (nopRecorder) RecordSubmission(string, int)                 {}
func (nopRecorder) RecordFetch(string)                           {}

// SubmitHandler accepts one hex-encoded frame per connection, queues it and
// replies OK, or replies FAIL and queues nothing.
type SubmitHandler struct {
	codec        *emp.Codec
	store        *queue.Store
	maxFrameSize int
	recorder     Recorder
	logger       *zap.Logger
}

// NewSubmitHandler creates a submit handler. recorder and logger may be nil.
func NewSubmitHandler(codec *emp.Codec, store *queue.Store, maxFrameSize int, recorder Recorder, logger *zap.Logger) *SubmitHandler {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubmitHandler{
		codec:        codec,
		store:        store,
		maxFrameSize: maxFrameSize,
		recorder:     recorder,
		logger:       logger.With(zap.String("listener", ListenerSubmit)),
	}
}

func (h *SubmitHandler) HandleConnection(ctx context.Context, conn *Connection) error {
	wire, err := conn.ReadFrame(h.maxFrameSize)
	if err != nil {
		if errors.Is(err, types.ErrFrameTooLarge) {
			h.recorder.RecordSubmission(metrics.ResultTooLarge, h.maxFrameSize)
			h.logger.Info("frame rejected",
				zap.Stringer("remote", conn.RemoteAddr()),
				zap.Error(err))
			return conn.WriteResponse(ReplyFail)
		}
		return err
	}

	msg, err := h.codec.Decode(wire)
	if err != nil {
		h.recorder.RecordSubmission(metrics.ResultMalformed, len(wire))
		h.logger.Info("malformed message",
			zap.Stringer("remote", conn.RemoteAddr()),
			zap.Int("size", len(wire)),
			zap.Error(err))
		return conn.WriteResponse(ReplyFail)
	}

	msg.ID = uuid.NewString()
	msg.CreatedAt = h.store.Now()
	h.store.Push(msg)
	h.recorder.RecordSubmission(metrics.ResultAccepted, len(wire))

	h.logger.Debug("message accepted",
		zap.Stringer("remote", conn.RemoteAddr()),
		zap.String("id", msg.ID),
		zap.Uint16("type", msg.Type),
		zap.String("sender", msg.Sender),
		zap.String("dest", msg.Dest),
		zap.Int("size", msg.Size()))

	// The message stays queued even if the sender never sees OK
	return conn.WriteResponse(ReplyOK)
}

// FetchHandler reads one destination address per connection and replies with
// the oldest live message for it, or EMPTY.
type FetchHandler struct {
	store        *queue.Store
	maxFrameSize int
	recorder     Recorder
	logger       *zap.Logger
}

// NewFetchHandler creates a fetch handler. recorder and logger may be nil.
func NewFetchHandler(store *queue.Store, maxFrameSize int, recorder Recorder, logger *zap.Logger) *FetchHandler {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FetchHandler{
		store:        store,
		maxFrameSize: maxFrameSize,
		recorder:     recorder,
		logger:       logger.With(zap.String("listener", ListenerFetch)),
	}
}

func (h *FetchHandler) HandleConnection(ctx context.Context, conn *Connection) error {
	request, err := conn.ReadFrame(h.maxFrameSize)
	if err != nil {
		if errors.Is(err, types.ErrFrameTooLarge) {
			// No valid address is that long
			h.recorder.RecordFetch(metrics.ResultEmpty)
			return conn.WriteResponse(ReplyEmpty)
		}
		return err
	}

	dest := string(bytes.TrimSpace(request))
	if dest == "" {
		h.recorder.RecordFetch(metrics.ResultEmpty)
		return conn.WriteResponse(ReplyEmpty)
	}

	msg, ok := h.store.Pop(dest)
	if !ok {
		h.recorder.RecordFetch(metrics.ResultEmpty)
		return conn.WriteResponse(ReplyEmpty)
	}
	h.recorder.RecordFetch(metrics.ResultDelivered)

	h.logger.Debug("message delivered",
		zap.Stringer("remote", conn.RemoteAddr()),
		zap.String("id", msg.ID),
		zap.Uint16("type", msg.Type),
		zap.String("sender", msg.Sender),
		zap.String("dest", msg.Dest),
		zap.Duration("age", msg.Age(h.store.Now())))

	// Popped messages are gone even if this write fails
	return conn.WriteResponse(emp.WireOf(msg))
}
