// Package delegate serves attestation requests inside the privileged helper.
//
// The handler runs a privileged keystore provider behind the IPC server and
// maps provider failures onto wire error codes the client can classify.
package delegate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"keyattest/internal/ipc"
	"keyattest/internal/keystore"
	"keyattest/internal/logging"
	"keyattest/internal/metrics"
)

// Handler implements ipc.Handler over a keystore provider.
type Handler struct {
	provider keystore.Provider
	logger   *slog.Logger
	metrics  *metrics.Helper
}

// NewHandler creates a handler serving provider.
func NewHandler(provider keystore.Provider, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		provider: provider,
		logger:   logger.With("component", "delegate"),
	}
}

// WithMetrics records request counts and latencies into m.
func (h *Handler) WithMetrics(m *metrics.Helper) *Handler {
	h.metrics = m
	return h
}

// HandleMessage processes an IPC message
func (h *Handler) HandleMessage(ctx context.Context, peer *ipc.Peer, msg *ipc.Message) (*ipc.Message, error) {
	resp, err := h.dispatch(ctx, peer, msg)
	if h.metrics != nil && resp != nil && resp.Header.Type == ipc.MsgError {
		var e ipc.ErrorResponse
		if ipc.Decode(resp.Payload, &e) == nil {
			h.metrics.Failures.Inc(ipc.CodeName(e.Code))
		}
	}
	return resp, err
}

func (h *Handler) dispatch(ctx context.Context, peer *ipc.Peer, msg *ipc.Message) (*ipc.Message, error) {
	switch msg.Header.Type {
	case ipc.MsgCapabilities:
		h.count("capabilities")
		return h.handleCapabilities(peer, msg)
	case ipc.MsgAttest:
		h.count("attest")
		return h.handleAttest(ctx, peer, msg)
	case ipc.MsgCheckRKP:
		h.count("check_rkp")
		return h.handleCheckRKP(ctx, peer, msg)
	default:
		h.count("unknown")
		return ipc.NewErrorMessage(msg.Header.RequestID, ipc.CodeInvalidRequest,
			fmt.Sprintf("unknown message type: %d", msg.Header.Type)), nil
	}
}

func (h *Handler) handleCapabilities(peer *ipc.Peer, msg *ipc.Message) (*ipc.Message, error) {
	if peer.Level() < ipc.PermReadOnly {
		return ipc.NewErrorMessage(msg.Header.RequestID, ipc.CodePermissionDenied, "read permission required"), nil
	}
	f, err := h.provider.Features()
	if err != nil {
		return h.failure(msg, err), nil
	}
	return ipc.NewResponse(ipc.MsgCapabilitiesResp, msg.Header.RequestID, &ipc.CapabilitiesResponse{Features: f})
}

func (h *Handler) handleAttest(ctx context.Context, peer *ipc.Peer, msg *ipc.Message) (*ipc.Message, error) {
	var req ipc.AttestRequest
	if err := ipc.Decode(msg.Payload, &req); err != nil {
		return ipc.NewErrorMessage(msg.Header.RequestID, ipc.CodeInvalidRequest, "invalid request"), nil
	}
	if peer.Level() < ipc.PermAttest {
		return ipc.NewErrorMessage(msg.Header.RequestID, ipc.CodePermissionDenied, "attest permission required"), nil
	}

	reqID := logging.NewRequestID()
	ctx = logging.ContextWithRequestID(ctx, reqID)
	start := time.Now()
	chain, err := h.provider.GenerateAndAttest(ctx, keystore.Request{
		UseSAK:          req.UseSAK,
		UseStrongBox:    req.UseStrongBox,
		UseAttestKey:    req.UseAttestKey,
		IncludeProps:    req.IncludeProps,
		IncludeSerial:   req.IncludeSerial,
		IncludeIMEI:     req.IncludeIMEI,
		IncludeMEID:     req.IncludeMEID,
		IncludeUniqueID: req.IncludeUniqueID,
		Challenge:       req.Challenge,
		Generation:      req.Generation,
		Reset:           req.Reset,
	})
	if err != nil {
		h.logger.Info("attest failed", "request_id", reqID, "peer", peer.ID, "uid", peer.UID(), "generation", req.Generation, "error", err)
		return h.failure(msg, err), nil
	}

	if h.metrics != nil {
		h.metrics.AttestDuration.ObserveSince(start)
		h.metrics.Certificates.Add(uint64(len(chain)))
	}
	h.logger.Info("attested", "request_id", reqID, "peer", peer.ID, "uid", peer.UID(), "generation", req.Generation, "certificates", len(chain))
	return ipc.NewResponse(ipc.MsgAttestResp, msg.Header.RequestID, &ipc.AttestResponse{
		Generation: req.Generation,
		Chain:      chain,
	})
}

func (h *Handler) handleCheckRKP(ctx context.Context, peer *ipc.Peer, msg *ipc.Message) (*ipc.Message, error) {
	var req ipc.CheckRKPRequest
	if len(msg.Payload) > 0 {
		if err := ipc.Decode(msg.Payload, &req); err != nil {
			return ipc.NewErrorMessage(msg.Header.RequestID, ipc.CodeInvalidRequest, "invalid request"), nil
		}
	}
	if peer.Level() < ipc.PermReadOnly {
		return ipc.NewErrorMessage(msg.Header.RequestID, ipc.CodePermissionDenied, "read permission required"), nil
	}

	st, err := h.provider.CheckRKP(ctx, req.Host)
	if err != nil {
		return h.failure(msg, err), nil
	}
	return ipc.NewResponse(ipc.MsgCheckRKPResp, msg.Header.RequestID, &ipc.CheckRKPResponse{
		Host:      st.Host,
		Reachable: st.Reachable,
		Latency:   st.Latency,
		Detail:    st.Detail,
	})
}

func (h *Handler) count(kind string) {
	if h.metrics != nil {
		h.metrics.Requests.Inc(kind)
	}
}

// failure maps a provider error onto a wire error.
func (h *Handler) failure(msg *ipc.Message, err error) *ipc.Message {
	code := ipc.CodeInternalError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = ipc.CodeCancelled
	case keystore.KindOf(err) == keystore.ProviderUnsupported:
		code = ipc.CodeUnsupported
	}
	return ipc.NewErrorMessage(msg.Header.RequestID, code, err.Error())
}
