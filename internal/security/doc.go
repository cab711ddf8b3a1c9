// Package security selects the process-wide authentication strategy and
// provides the verifiers and payload cipher used by the request pipeline.
//
// Select reads Startup.IdentityServer.Enabled and Startup.FederatedB.Enabled
// (Startup.Authing.Enabled is accepted as an alias for the latter) and
// returns exactly one Strategy. The result is passed to the pipeline builder
// by value; nothing downstream reads the flags again.
package security
