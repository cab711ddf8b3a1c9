// Package app wires the blogcore service together and manages its
// lifecycle.
//
// # Initialization Flow
//
// NewApplication performs the boot sequence in a fixed order:
//
//  1. Build the logger from the Logging section
//  2. Initialize OpenTelemetry and the business metrics
//  3. Select the authentication strategy
//  4. Build the enabled messaging backends
//  5. Create the realtime hub when Middleware.SignalR is enabled
//  6. Build the route table and the request pipeline
//  7. Configure the HTTP server from the Server section
//
// Every error returned by NewApplication is boot-fatal; the caller is
// expected to log it and exit non-zero.
//
// # Usage
//
//	settings, err := app.Load(ctx)
//	if err != nil {
//	    return err
//	}
//	application, err := app.NewApplication(ctx, settings)
//	if err != nil {
//	    return err
//	}
//	return application.Run(ctx)
//
// # Graceful Shutdown
//
// Run stops on context cancellation, SIGINT or SIGTERM. In-flight requests
// get Server.ShutdownTimeout to finish before the hub, the messaging
// backends and the telemetry providers are closed.
package app
