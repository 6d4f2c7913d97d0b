// Package container provides the service container shared by a persistent
// worker and the per-unit-of-work sandboxes copied from it.
//
// A root container is built once at process start (see Builder), then frozen.
// Freezing turns its bindings into an immutable table. Sandbox allocates a
// new container that points at that table and records its own writes in a
// small overlay, so resolving, rebinding or forgetting services inside a
// sandbox never changes the root:
//
//	root, _ := container.NewBuilder(providers...).CreateApplication(ctx, seed)
//	sandbox := root.Sandbox()
//	defer sandbox.Flush()
//	ctx = container.WithContainer(ctx, sandbox)
//
// Code that has a context resolves through FromContext. Registry keeps the
// same information for code that does not.
package container
