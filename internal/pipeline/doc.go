// Package pipeline composes the request pipeline from a static catalogue of
// stage descriptors.
//
// Build evaluates each descriptor's predicate against the settings exactly
// once, keeps the enabled stages in position order and wraps them around
// middleware.Dispatch. The result is immutable: a configuration change
// means building a new Pipeline.
//
//	p, err := pipeline.Build(strategy, backends, settings,
//		pipeline.WithLogger(logger),
//		pipeline.WithRoutes(routes))
//	if err != nil {
//		return err // boot-fatal
//	}
//	srv.Handler = p
package pipeline
