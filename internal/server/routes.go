package server

import "net/http"

// Route paths of the login API
const (
	PathQR       = "/api/auth/wechat/qr"
	PathCallback = "/api/auth/wechat/callback"
	PathPoll     = "/api/auth/wechat/poll"
	PathHealth   = "/health"
)

// NewHandler builds the HTTP handler serving the login API and health check
func NewHandler(handlers *LoginHandlers, allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()

	api := []MiddlewareFunc{
		NewCORSMiddleware(allowedOrigins),
		NewLoggerMiddleware("login"),
		NewRecoverMiddleware("login"),
	}

	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, ChainMiddleware(h, api...))
	}

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		route(method+" "+PathQR, handlers.QRHandler)
		route(method+" "+PathCallback, handlers.CallbackHandler)
		route(method+" "+PathPoll, handlers.PollHandler)
	}
	for _, path := range []string{PathQR, PathCallback, PathPoll} {
		route(http.MethodOptions+" "+path, func(http.ResponseWriter, *http.Request) {})
	}

	mux.Handle("GET "+PathHealth, NewHealthHandler())

	return mux
}
