// Package http implements the endpoints served behind the request pipeline.
// Handlers stay thin: they parse and validate input, call one dependency
// and render the result with go-chi/render.
//
// # Routes
//
// Routes returns the endpoint table consumed by the routing stage:
//
//	GET  /healthz                          system, anonymous
//	GET  /metrics                          system, anonymous
//	GET  /api2/chatHub                     system, anonymous (websocket)
//	GET  {prefix}/api/health               anonymous
//	GET  {prefix}/api/whoami               authenticated
//	POST {prefix}/api/messages/{backend}/{topic}  role Admin
//	POST {prefix}/api/login/token          anonymous, load-test mode only
//
// # Error Handling
//
// Every failure is written with errors.WriteError, so clients always get
// an RFC 7807 body carrying error_code and trace_id:
//
//	{
//	    "type": "/errors/service-unavailable",
//	    "title": "Service Unavailable",
//	    "status": 503,
//	    "detail": "Service temporarily unavailable",
//	    "instance": "/blog/api/messages/kafka/news",
//	    "error_code": "SERVICE_UNAVAILABLE",
//	    "retryable": true,
//	    "trace_id": "4bf92f3577b34da6a3ce929d0e0e4736"
//	}
package http
