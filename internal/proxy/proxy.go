package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/vyrodovalexey/rpcgw/internal/backend"
	"github.com/vyrodovalexey/rpcgw/internal/jsonrpc"
	"github.com/vyrodovalexey/rpcgw/internal/keystore"
	"github.com/vyrodovalexey/rpcgw/internal/middleware"
	"github.com/vyrodovalexey/rpcgw/internal/observability"
	"github.com/vyrodovalexey/rpcgw/internal/router"
)

type forwardKey struct{}

// forward carries the per-request selection into the httputil hooks.
type forward struct {
	backend *backend.Backend
	status  int
	err     *ProxyError
}

// ReverseProxy authenticates JSON-RPC requests and forwards them to a
// healthy backend of the current router snapshot.
type ReverseProxy struct {
	holder    *router.Holder
	keys      keystore.KeyStore
	logger    observability.Logger
	metrics   *observability.Metrics
	errors    *proxyMetrics
	transport http.RoundTripper
	proxy     *httputil.ReverseProxy
}

// ProxyOption is a functional option for configuring the proxy.
type ProxyOption func(*ReverseProxy)

// WithProxyLogger sets the logger for the proxy.
func WithProxyLogger(logger observability.Logger) ProxyOption {
	return func(p *ReverseProxy) {
		p.logger = logger
	}
}

// WithTransport sets the transport used to reach backends.
func WithTransport(transport http.RoundTripper) ProxyOption {
	return func(p *ReverseProxy) {
		p.transport = transport
	}
}

// WithMetrics enables request metrics. Forward error counters are
// registered on the same registry.
func WithMetrics(metrics *observability.Metrics) ProxyOption {
	return func(p *ReverseProxy) {
		p.metrics = metrics
	}
}

// NewReverseProxy creates a new reverse proxy.
func NewReverseProxy(holder *router.Holder, keys keystore.KeyStore, opts ...ProxyOption) *ReverseProxy {
	p := &ReverseProxy{
		holder: holder,
		keys:   keys,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.transport == nil {
		p.transport = backend.NewConnectionPool(backend.DefaultPoolConfig()).Client().Transport
	}
	if p.metrics != nil {
		p.errors = newProxyMetrics(p.metrics.Registry())
	} else {
		p.errors = newProxyMetrics(nil)
	}

	p.proxy = &httputil.ReverseProxy{
		Rewrite:        p.rewrite,
		Transport:      p.transport,
		FlushInterval:  -1,
		ErrorHandler:   p.handleForwardError,
		ModifyResponse: p.modifyResponse,
	}

	return p
}

// ServeHTTP implements http.Handler.
func (p *ReverseProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	info := middleware.RequestInfoFromContext(ctx)
	logger := p.logger.WithContext(ctx)

	if r.Method != http.MethodPost {
		p.fail(w, logger, newMethodError(r.Method), start)
		return
	}

	// The snapshot is loaded once so a reload mid-request does not change
	// the backend list or the proxy settings this request sees.
	snap := p.holder.Load()
	proxyCfg := snap.Proxy()

	body, perr := readBody(w, r, proxyCfg.MaxBodyBytes)
	if perr != nil {
		p.fail(w, logger, perr, start)
		return
	}

	method, _ := jsonrpc.ExtractMethod(body)
	info.SetRPCMethod(method)

	keyInfo, perr := p.authenticate(ctx, r)
	if perr != nil {
		p.fail(w, logger, perr, start)
		return
	}
	info.SetOwner(keyInfo.Owner)

	selected, err := router.Select(snap, method)
	if err != nil {
		if p.metrics != nil {
			route := router.DefaultRoute
			var selErr *router.SelectionError
			if errors.As(err, &selErr) {
				route = selErr.Route
			}
			p.metrics.RecordNoHealthyBackend(route)
		}
		p.fail(w, logger, newSelectionError(err), start)
		return
	}
	info.SetBackend(selected.Label)
	observability.AnnotateRPC(ctx, method, keyInfo.Owner, selected.Label)

	fwd := &forward{backend: selected}
	fctx, cancel := context.WithTimeout(context.WithValue(ctx, forwardKey{}, fwd), proxyCfg.Timeout())
	defer cancel()

	out := r.WithContext(fctx)
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))

	p.proxy.ServeHTTP(w, out)

	status := fwd.status
	if fwd.err != nil {
		status = fwd.err.Status
		logger.Warn("forward failed",
			observability.String("backend", selected.Label),
			observability.String("rpc_method", method),
			observability.Int("status", status),
			observability.Error(fwd.err.Cause),
		)
	}
	if p.metrics != nil {
		p.metrics.RecordRequest(selected.Label, status, time.Since(start))
	}
}

// readBody reads the whole request body, bounded by limit when positive.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, *ProxyError) {
	if r.Body == nil {
		return nil, nil
	}
	reader := io.Reader(r.Body)
	if limit > 0 {
		reader = http.MaxBytesReader(w, r.Body, limit)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		return nil, newBodyError(err, errors.As(err, &tooLarge))
	}
	return body, nil
}

// authenticate validates the api-key query parameter.
func (p *ReverseProxy) authenticate(ctx context.Context, r *http.Request) (*keystore.KeyInfo, *ProxyError) {
	key, ok := APIKey(r.URL)
	if !ok {
		p.recordAuth(observability.AuthOutcomeMissingKey)
		return nil, newUnauthorizedError(ErrMissingAPIKey)
	}

	info, err := p.keys.ValidateKey(ctx, key)
	switch {
	case errors.Is(err, keystore.ErrRateLimitExceeded):
		p.recordAuth(observability.AuthOutcomeRateLimited)
		return nil, newRateLimitedError(err)
	case err != nil:
		p.recordAuth(observability.AuthOutcomeStoreError)
		return nil, newKeyStoreError(err)
	case info == nil:
		p.recordAuth(observability.AuthOutcomeUnauthorized)
		return nil, newUnauthorizedError(ErrInvalidAPIKey)
	}

	p.recordAuth(observability.AuthOutcomeAccepted)
	return info, nil
}

func (p *ReverseProxy) recordAuth(outcome string) {
	if p.metrics != nil {
		p.metrics.RecordAuth(outcome)
	}
}

// fail writes a pipeline error that happened before forwarding.
func (p *ReverseProxy) fail(w http.ResponseWriter, logger observability.Logger, perr *ProxyError, start time.Time) {
	level := logger.Debug
	if perr.Status >= http.StatusInternalServerError {
		level = logger.Warn
	}
	level("request rejected",
		observability.String("stage", perr.Op),
		observability.Int("status", perr.Status),
		observability.Error(perr.Cause),
	)

	perr.write(w)
	if p.metrics != nil {
		p.metrics.RecordRequest("", perr.Status, time.Since(start))
	}
}

// rewrite points the outbound request at the selected backend.
func (p *ReverseProxy) rewrite(pr *httputil.ProxyRequest) {
	fwd, _ := pr.In.Context().Value(forwardKey{}).(*forward)
	if fwd == nil {
		return
	}
	target := fwd.backend.Target()

	pr.Out.URL = TargetURL(target, pr.In.URL)
	pr.Out.Host = target.Host
	pr.SetXForwarded()

	observability.InjectTraceContext(pr.Out.Context(), pr.Out)
}

func (p *ReverseProxy) modifyResponse(resp *http.Response) error {
	if fwd, ok := resp.Request.Context().Value(forwardKey{}).(*forward); ok {
		fwd.status = resp.StatusCode
	}
	return nil
}

// handleForwardError maps transport failures to 502, or 504 when the
// forward deadline expired. The backend's health flag is left alone.
func (p *ReverseProxy) handleForwardError(w http.ResponseWriter, r *http.Request, err error) {
	fwd, _ := r.Context().Value(forwardKey{}).(*forward)
	label := ""
	if fwd != nil {
		label = fwd.backend.Label
	}

	timedOut := isTimeout(r.Context(), err)
	perr := newForwardError(label, err, timedOut)
	if fwd != nil {
		fwd.err = perr
	}
	p.errors.record(label, classify(err, timedOut))

	perr.write(w)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func classify(err error, timedOut bool) string {
	if timedOut {
		return errorTypeTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return errorTypeConnectionRefused
	}
	if errors.Is(err, context.Canceled) {
		return errorTypeClientCanceled
	}
	return errorTypeBadGateway
}

// Handler returns an http.Handler for the proxy.
func (p *ReverseProxy) Handler() http.Handler {
	return p
}
