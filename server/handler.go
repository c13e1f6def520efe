package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"

	"github.com/conduitrpc/conduit/framing"
	"github.com/conduitrpc/conduit/status"
)

// Invoker is the single extension point for dispatch. The shell validates
// and decodes the exchange; the invoker produces response payloads and the
// terminal status. Message serialization stays behind this interface.
type Invoker interface {
	Invoke(ctx context.Context, call *CallInfo, requests [][]byte) (responses [][]byte, md metadata.MD, st *status.Status)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, call *CallInfo, requests [][]byte) ([][]byte, metadata.MD, *status.Status)

func (f InvokerFunc) Invoke(ctx context.Context, call *CallInfo, requests [][]byte) ([][]byte, metadata.MD, *status.Status) {
	return f(ctx, call, requests)
}

// CORSConfig configures the cross-origin surface gRPC-Web browsers need.
type CORSConfig struct {
	// AllowedOrigins is the origin allow-list; "*" allows any origin.
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	// MaxAge is the preflight cache lifetime in seconds.
	MaxAge int
}

// DefaultCORSConfig returns a permissive configuration suitable for
// development.
func DefaultCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"POST", "GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           24 * 60 * 60, // 24 hours in seconds
	}
}

// Handler is the thin HTTP shell over the codec: header validation, body
// decoding, dispatch, response serialization. Routing beyond the :path is
// the invoker's business.
type Handler struct {
	cfg     Config
	cors    *CORSConfig
	invoker Invoker
	logger  *zap.Logger
}

// NewHandler creates the shell. A nil logger disables logging.
func NewHandler(cfg Config, invoker Invoker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cors := cfg.CORS
	if cors == nil {
		cors = DefaultCORSConfig()
	}
	return &Handler{cfg: cfg, cors: cors, invoker: invoker, logger: logger}
}

// readChunkSize keeps body reads small enough to exercise the incremental
// paths without hurting throughput.
const readChunkSize = 32 * 1024

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.handleCORS(w, r) {
		return
	}
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := uuid.NewString()
	logger := h.logger.With(zap.String("grpc_request_id", requestID))

	codec := NewCodec(h.cfg)
	call, err := codec.ReadRequestHead(r.Method, r.URL.Path, r.Header)
	if err != nil {
		if errors.Is(err, ErrContentType) {
			logger.Warn("rejecting request with non-gRPC content type",
				zap.String("content_type", r.Header.Get("Content-Type")))
			http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
			return
		}
		h.finish(w, codec, status.FromError(err), logger)
		return
	}

	ctx := r.Context()
	if call.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, call.Timeout)
		defer cancel()
	}
	ctx = metadata.NewIncomingContext(ctx, call.Metadata)

	requests, err := h.readRequests(codec, r.Body)
	if err != nil {
		h.finish(w, codec, status.FromError(err), logger)
		return
	}

	responses, md, st := h.invoker.Invoke(ctx, call, requests)
	if st == nil {
		st = status.New(codes.OK, "")
	}
	if ctx.Err() == context.DeadlineExceeded {
		st = status.New(codes.DeadlineExceeded, "deadline exceeded")
	}
	if !st.OK() {
		h.finish(w, codec, st, logger)
		return
	}

	head, err := codec.WriteHeaders(md)
	if err != nil {
		logger.Error("response headers failed", zap.Error(err))
		return
	}
	var body []byte
	for _, resp := range responses {
		// Compression defaults to on only for payloads worth compressing.
		chunk, err := codec.WriteMessage(resp, framing.ShouldCompress(resp, h.cfg.CompressionThreshold))
		if err != nil {
			est := status.FromError(err)
			_, tail, serr := codec.WriteStatus(est)
			if serr != nil {
				logger.Error("status write failed", zap.Error(serr))
				return
			}
			writeResponse(w, head, body, tail)
			return
		}
		body = append(body, chunk...)
	}
	_, tail, err := codec.WriteStatus(st)
	if err != nil {
		logger.Error("response status failed", zap.Error(err))
		return
	}
	writeResponse(w, head, body, tail)
}

// readRequests drains the request body through the codec in chunks.
func (h *Handler) readRequests(codec *Codec, body io.Reader) ([][]byte, error) {
	var requests [][]byte
	buf := make([]byte, readChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			msgs, cerr := codec.ReadBody(buf[:n])
			if cerr != nil {
				return nil, cerr
			}
			requests = append(requests, msgs...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if err := codec.ReadEnd(); err != nil {
		return nil, err
	}
	return requests, nil
}

// finish terminates the exchange with a status, synthesizing headers when
// none were sent.
func (h *Handler) finish(w http.ResponseWriter, codec *Codec, st *status.Status, logger *zap.Logger) {
	head, tail, err := codec.WriteStatus(st)
	if err != nil {
		logger.Error("status write failed", zap.Error(err))
		return
	}
	if !st.OK() {
		logger.Info("call failed",
			zap.Int("grpc_status", int(st.Code())),
			zap.String("grpc_message", st.Message()))
	}
	writeResponse(w, head, nil, tail)
}

// writeResponse maps codec output onto the ResponseWriter. Real HTTP
// trailers are announced before the header flush so net/http emits them.
func writeResponse(w http.ResponseWriter, head *ResponseHead, body []byte, tail *ResponseTail) {
	if head != nil {
		for k, vs := range head.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		for k := range tail.Trailers {
			w.Header().Add("Trailer", k)
		}
		w.WriteHeader(head.Status)
	}
	if len(body) > 0 {
		_, _ = w.Write(body)
	}
	if len(tail.Body) > 0 {
		_, _ = w.Write(tail.Body)
	}
	for k, vs := range tail.Trailers {
		for _, v := range vs {
			w.Header().Set(http.TrailerPrefix+k, v)
		}
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// handleCORS applies the configured allow-list and answers the browser
// preflight for gRPC-Web. Returns true when the request was fully handled.
func (h *Handler) handleCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	if !originAllowed(h.cors.AllowedOrigins, origin) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusForbidden)
			return true
		}
		// Non-preflight requests proceed without CORS headers; the
		// browser blocks the response on its side.
		return false
	}

	w.Header().Set("Access-Control-Allow-Origin", origin)
	if h.cors.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	if len(h.cors.AllowedMethods) > 0 {
		w.Header().Set("Access-Control-Allow-Methods", strings.Join(h.cors.AllowedMethods, ", "))
	}
	if len(h.cors.AllowedHeaders) > 0 {
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(h.cors.AllowedHeaders, ", "))
	}
	w.Header().Set("Access-Control-Expose-Headers", "grpc-status, grpc-message, grpc-encoding, grpc-accept-encoding")
	if r.Method == http.MethodOptions {
		if h.cors.MaxAge > 0 {
			w.Header().Set("Access-Control-Max-Age", strconv.Itoa(h.cors.MaxAge))
		}
		w.WriteHeader(http.StatusOK)
		return true
	}
	return false
}

// originAllowed matches an origin against the allow-list.
func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}
