// Package ingest sequences the handling of one received object: stage it,
// forward it, record the forward in the ledger and count the outcome.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pacsrelay/pacsrelay/internal/logging/audit"
	"github.com/pacsrelay/pacsrelay/internal/metrics"
	"github.com/pacsrelay/pacsrelay/internal/stats"
	"github.com/pacsrelay/pacsrelay/internal/transport"
	"github.com/pacsrelay/pacsrelay/pkg/proto"
)

// Saver stages an object on disk and returns its absolute path.
type Saver interface {
	Save(obj *proto.Object) (string, error)
}

// Forwarder relays an object upstream.
type Forwarder interface {
	Forward(ctx context.Context, obj *proto.Object) bool
}

// Ledger records forwarded files.
type Ledger interface {
	Append(path string, t time.Time) error
	Forget(path string) (bool, error)
}

// Counters receives outcome counts.
type Counters interface {
	Increment(c stats.Counter)
}

// Options selects which phases run.
type Options struct {
	StoreLocally       bool
	ForwardImmediately bool
}

// Handler is the per-object orchestrator invoked by a transport listener.
type Handler struct {
	opts      Options
	saver     Saver
	forwarder Forwarder
	ledger    Ledger
	counters  Counters
	metrics   *metrics.RelayMetrics
	audit     *audit.Logger

	now func() time.Time
}

// New creates a handler. saver and forwarder may be nil when the matching
// option is off. m may be nil.
func New(opts Options, saver Saver, forwarder Forwarder, l Ledger, counters Counters, m *metrics.RelayMetrics) *Handler {
	return &Handler{
		opts:      opts,
		saver:     saver,
		forwarder: forwarder,
		ledger:    l,
		counters:  counters,
		metrics:   m,
		now:       time.Now,
	}
}

// SetAudit records object events to a. Call it before the listener starts.
func (h *Handler) SetAudit(a *audit.Logger) {
	h.audit = a
}

// Handle processes one inbound object. It never panics; every failure is
// reduced to a status code for the peer.
func (h *Handler) Handle(ctx context.Context, in *transport.Inbound) (status proto.Status) {
	journey := uuid.NewString()
	logger := log.With().Str("journey", journey).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("object handling panicked")
			status = proto.StatusProcessingFailure
		}
	}()

	if in == nil || in.Object == nil {
		logger.Warn().Msg("empty inbound object")
		return proto.StatusCannotUnderstand
	}

	obj := &proto.Object{Metadata: in.Object.Metadata.Normalize(), Payload: in.Object.Payload}
	md := obj.Metadata
	logger = logger.With().
		Str("patient", md.PatientID).
		Str("study", md.StudyUID).
		Str("series", md.SeriesUID).
		Str("instance", md.InstanceUID).
		Logger()

	h.counters.Increment(stats.Received)
	h.counters.Increment(stats.Connections)

	logger.Info().
		Str("modality", md.Modality).
		Str("peer", in.Peer.Identity).
		Str("addr", in.Peer.Address).
		Int("bytes", len(obj.Payload)).
		Msg("object received")
	h.audit.LogObject(journey, audit.ActionReceived, md, audit.ResultOK, in.Peer.Identity)

	var stagedPath string
	if h.opts.StoreLocally {
		stagedPath = h.store(logger, journey, obj)
	}

	if !h.opts.ForwardImmediately {
		return proto.StatusSuccess
	}

	// In-flight objects finish even if the session or relay is shutting down.
	fctx := context.WithoutCancel(ctx)
	start := h.now()
	if !h.forwarder.Forward(fctx, obj) {
		h.counters.Increment(stats.ForwardFailures)
		logger.Error().
			Dur("elapsed", h.now().Sub(start)).
			Bool("staged", stagedPath != "").
			Msg("object not forwarded")
		h.audit.LogObject(journey, audit.ActionForwarded, md, audit.ResultFailed, "retries exhausted")
		return proto.StatusProcessingFailure
	}

	h.counters.Increment(stats.Forwarded)
	logger.Info().Dur("elapsed", h.now().Sub(start)).Msg("object forwarded")
	h.audit.LogObject(journey, audit.ActionForwarded, md, audit.ResultOK, "")

	if stagedPath != "" {
		if err := h.ledger.Append(stagedPath, h.now()); err != nil {
			// The entry stays in memory and is written by the next save.
			logger.Error().Err(err).Str("path", stagedPath).Msg("failed to persist ledger")
		}
	}
	return proto.StatusSuccess
}

// store stages obj and returns its path, or "" on failure.
func (h *Handler) store(logger zerolog.Logger, journey string, obj *proto.Object) string {
	if h.saver == nil {
		h.counters.Increment(stats.StoreFailures)
		logger.Error().Msg("storage enabled without a store writer")
		h.audit.LogObject(journey, audit.ActionStored, obj.Metadata, audit.ResultFailed, "no store writer")
		return ""
	}

	start := h.now()
	path, err := h.saver.Save(obj)
	elapsed := h.now().Sub(start)
	if err != nil {
		h.counters.Increment(stats.StoreFailures)
		logger.Error().Err(err).Dur("elapsed", elapsed).Msg("failed to store object")
		h.audit.LogObject(journey, audit.ActionStored, obj.Metadata, audit.ResultFailed, err.Error())
		return ""
	}

	h.counters.Increment(stats.Stored)
	h.metrics.ObserveStore(elapsed)
	logger.Info().Str("path", path).Dur("elapsed", elapsed).Msg("object stored")
	h.audit.LogObject(journey, audit.ActionStored, obj.Metadata, audit.ResultOK, path)

	// The file at path is now this object, not the one forwarded earlier.
	if existed, err := h.ledger.Forget(path); err != nil {
		logger.Error().Err(err).Str("path", path).Msg("failed to persist ledger")
	} else if existed {
		logger.Info().Str("path", path).Msg("replaced a forwarded file; retention waits for the new forward")
	}
	return path
}

// Func adapts the handler to transport.Handler.
func (h *Handler) Func() transport.Handler {
	return h.Handle
}

func (o Options) String() string {
	return fmt.Sprintf("store=%t forward=%t", o.StoreLocally, o.ForwardImmediately)
}
