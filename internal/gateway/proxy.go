package gateway

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.uber.org/zap"
)

// newOriginProxy builds the reverse proxy that serves the protected
// resource unchanged from the origin. The gateway never rewrites paid
// content; it only decides whether the request may pass.
func newOriginProxy(origin *url.URL, logger *zap.Logger) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(origin)

	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Host = origin.Host
		// Payment headers are gateway-internal; the origin never sees them.
		req.Header.Del(HeaderPaymentTx)
		req.Header.Del(HeaderPublisher)
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("origin proxy error",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"origin unavailable"}`))
	}
	return proxy
}
