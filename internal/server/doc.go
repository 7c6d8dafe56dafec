/*
Package server hosts the HTTP listener shared by the WebSocket endpoint and
the admin API.

# Middleware Components

## Request ID (requestid.go)

RequestIDMiddleware generates a UUID for each request and adds it to:
  - The request context (accessible via GetRequestID)
  - The X-Request-ID response header

## Logging (logging.go)

LoggingMiddleware provides structured request logging using slog:
  - Logs request completion (status, duration)
  - Supports custom log fields via AddLogField/AddError

The wrapped ResponseWriter implements http.Hijacker so WebSocket upgrades
pass through it.

## Timeout (timeout.go)

TimeoutMiddleware puts a deadline on the request context. It is applied to
the admin routes only; WebSocket sessions outlive any request deadline.

# Middleware Chain Order

 1. RequestIDMiddleware
 2. LoggingMiddleware
 3. Recoverer (catches panics)
 4. OTel instrumentation (OpenTelemetry)

# Example Usage

	srv := server.New(port, logger)
	srv.Router.Get("/ocpp/{nodeID}", links.ServeHTTP)
	go srv.Start()
	defer srv.Shutdown(ctx)
*/
package server
